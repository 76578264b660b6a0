// internal/di/container_test.go
package di

import "testing"

func TestContainerRegisterAndGet(t *testing.T) {
	c := NewContainer()

	type fakeService struct{ name string }
	svc := &fakeService{name: "cache"}

	c.Register("cache", svc)

	if !c.Has("cache") {
		t.Error("注册后Has应为true")
	}
	got, ok := c.Get("cache").(*fakeService)
	if !ok || got != svc {
		t.Error("Get应返回注册的实例")
	}
	if c.Get("missing") != nil {
		t.Error("未注册的服务应返回nil")
	}
}

func TestContainerRemoveAndClear(t *testing.T) {
	c := NewContainer()
	c.Register("a", 1)
	c.Register("b", 2)

	c.Remove("a")
	if c.Has("a") {
		t.Error("移除后不应存在")
	}
	if !c.Has("b") {
		t.Error("其他服务不应受影响")
	}

	c.Clear()
	if len(c.GetNames()) != 0 {
		t.Errorf("清空后不应有服务: %v", c.GetNames())
	}
}

func TestGlobalContainerSingleton(t *testing.T) {
	if GetContainer() != GetContainer() {
		t.Error("全局容器应为单例")
	}
}
