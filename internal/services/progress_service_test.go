// internal/services/progress_service_test.go
package services

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestProgressTrackerLifecycle(t *testing.T) {
	svc := NewProgressService()

	taskID := svc.NewTaskID()
	if taskID == "" {
		t.Fatal("任务ID不应为空")
	}

	tracker := svc.CreateTracker(taskID)
	if tracker.Status != "running" {
		t.Errorf("初始状态应为running，得到 %s", tracker.Status)
	}

	// 同ID重复创建返回同一实例
	if svc.CreateTracker(taskID) != tracker {
		t.Error("同ID应返回已有追踪器")
	}

	updates := tracker.Subscribe()

	// 订阅时立即收到当前状态
	select {
	case update := <-updates:
		if update.Status != "running" {
			t.Errorf("首次推送状态不正确: %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("订阅后应立即收到当前状态")
	}

	tracker.UpdateProgress(50, "halfway")
	select {
	case update := <-updates:
		if update.Progress != 50 || update.Message != "halfway" {
			t.Errorf("进度推送不正确: %+v", update)
		}
	case <-time.After(time.Second):
		t.Fatal("进度更新应推送给订阅者")
	}

	// 进度只增不减
	tracker.UpdateProgress(30, "")
	if tracker.Progress != 50 {
		t.Errorf("进度不应回退: %d", tracker.Progress)
	}

	tracker.Complete("")
	select {
	case <-tracker.Done:
	case <-time.After(time.Second):
		t.Fatal("完成后Done通道应关闭")
	}
	if tracker.Status != "completed" || tracker.Progress != 100 {
		t.Errorf("完成状态不正确: %s %d", tracker.Status, tracker.Progress)
	}

	tracker.Unsubscribe(updates)
}

func TestProgressTrackerCancelInvokesBoundCancel(t *testing.T) {
	svc := NewProgressService()
	tracker := svc.CreateTracker("cancel-task")

	ctx, cancel := context.WithCancel(context.Background())
	tracker.BindCancel(cancel)

	tracker.Cancel()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Cancel应触发绑定的context取消")
	}
	if tracker.Status != "cancelled" {
		t.Errorf("状态应为cancelled，得到 %s", tracker.Status)
	}
	if !tracker.IsCancelled() {
		t.Error("IsCancelled应为true")
	}

	// 取消后的Complete/Fail不应panic也不应改变终态
	tracker.Complete("late")
	tracker.Fail("late")
	tracker.Cancel()
	if tracker.Status != "cancelled" {
		t.Errorf("终态不应被覆盖: %s", tracker.Status)
	}
}

func TestProgressTrackerFailIsTerminal(t *testing.T) {
	svc := NewProgressService()
	tracker := svc.CreateTracker("fail-task")

	tracker.Fail("boom")
	if tracker.Status != "failed" {
		t.Errorf("状态应为failed，得到 %s", tracker.Status)
	}

	select {
	case <-tracker.Done:
	case <-time.After(time.Second):
		t.Fatal("失败后Done通道应关闭")
	}

	tracker.Complete("too late")
	if tracker.Status != "failed" {
		t.Error("失败后不应再转为完成")
	}
}

func TestTrackerSnapshotUnderConcurrentUpdates(t *testing.T) {
	svc := NewProgressService()
	tracker := svc.CreateTracker("snapshot-task")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; i <= 100; i++ {
			tracker.UpdateProgress(i, fmt.Sprintf("step %d", i))
		}
		tracker.Complete("")
	}()

	// 写入协程运行期间持续读取快照
	for {
		state := tracker.Snapshot()
		if state.TaskID != "snapshot-task" {
			t.Fatalf("快照TaskID不正确: %s", state.TaskID)
		}
		if state.Progress < 0 || state.Progress > 100 {
			t.Fatalf("快照进度越界: %d", state.Progress)
		}
		if state.Status == "completed" {
			if state.Progress != 100 {
				t.Errorf("完成后的快照进度应为100，得到 %d", state.Progress)
			}
			break
		}
	}
	<-writerDone
}

func TestCleanupCompletedTasks(t *testing.T) {
	svc := NewProgressService()

	done := svc.CreateTracker("done-task")
	done.Complete("")
	running := svc.CreateTracker("running-task")

	svc.CleanupCompletedTasks(0)

	if _, ok := svc.GetTracker("done-task"); ok {
		t.Error("已完成且超期的任务应被清理")
	}
	if _, ok := svc.GetTracker("running-task"); !ok {
		t.Error("运行中的任务不应被清理")
	}
	_ = running
}
