package thread_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/repository"
	"github.com/scriptorhq/scriptor/pkg/thread"
)

func TestAppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())

	newLen, err := mgr.Append(ctx, "agent:a",
		model.NewMessage(model.RoleUser, "hello"),
		model.NewMessage(model.RoleModel, "hi"))
	gt.NoError(t, err)
	gt.Equal(t, newLen, 2)

	newLen, err = mgr.Append(ctx, "agent:a", model.NewMessage(model.RoleUser, "more"))
	gt.NoError(t, err)
	gt.Equal(t, newLen, 3)

	msgs, err := mgr.Messages(ctx, "agent:a")
	gt.NoError(t, err)
	gt.A(t, msgs).Length(3)
	for i, msg := range msgs {
		gt.Equal(t, msg.Seq, i)
	}
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())

	_, err := mgr.Append(ctx, "", model.NewMessage(model.RoleUser, "x"))
	gt.Error(t, err)

	_, err = mgr.Append(ctx, "agent:a")
	gt.Error(t, err)
}

func TestConcurrentAppendsSameIdentity(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := mgr.Append(ctx, "agent:shared",
				model.NewMessage(model.RoleUser, fmt.Sprintf("msg-%d", n)))
			gt.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := mgr.Messages(ctx, "agent:shared")
	gt.NoError(t, err)
	gt.A(t, msgs).Length(writers)

	// Sequence numbers are gapless regardless of arrival order
	for i, msg := range msgs {
		gt.Equal(t, msg.Seq, i)
	}
}

func TestConcurrentAppendsDistinctIdentities(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			identity := fmt.Sprintf("agent:%d", n)
			for j := 0; j < 4; j++ {
				_, err := mgr.Append(ctx, identity,
					model.NewMessage(model.RoleUser, fmt.Sprintf("msg-%d", j)))
				gt.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		msgs, err := mgr.Messages(ctx, fmt.Sprintf("agent:%d", i))
		gt.NoError(t, err)
		gt.A(t, msgs).Length(4)
	}
}

func TestReadIsRestartable(t *testing.T) {
	ctx := context.Background()
	mgr := thread.New(repository.NewMemory())

	_, err := mgr.Append(ctx, "agent:a",
		model.NewMessage(model.RoleUser, "one"),
		model.NewMessage(model.RoleModel, "two"))
	gt.NoError(t, err)

	for pass := 0; pass < 2; pass++ {
		count := 0
		for msg, err := range mgr.Read(ctx, "agent:a") {
			gt.NoError(t, err)
			gt.Equal(t, msg.Seq, count)
			count++
		}
		gt.Equal(t, count, 2)
	}
}
