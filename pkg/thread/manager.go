package thread

import (
	"context"
	"iter"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/scriptorhq/scriptor/pkg/model"
	"github.com/scriptorhq/scriptor/pkg/repository"
)

// Manager owns the ordered message history per agent identity. Appends for
// the same identity are serialized: in-process writers block on a
// per-identity lock, and the repository's conditional append turns
// cross-instance races into model.ErrBusy instead of interleaved writes.
// Identities are created implicitly on first append.
type Manager struct {
	repo repository.Repository

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(repo repository.Repository) *Manager {
	return &Manager{
		repo:  repo,
		locks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) identityLock(identity string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[identity]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[identity] = lock
	}
	return lock
}

// Append adds messages to the identity's thread and returns the new thread
// length. The whole batch is appended atomically or not at all.
func (m *Manager) Append(ctx context.Context, identity string, msgs ...*model.Message) (int, error) {
	if identity == "" {
		return 0, goerr.New("identity is empty")
	}
	if len(msgs) == 0 {
		return 0, goerr.New("no messages to append")
	}

	lock := m.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.repo.GetThread(ctx, identity)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read thread", goerr.V("identity", identity))
	}

	newLen, err := m.repo.AppendMessages(ctx, identity, len(current), msgs)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to append messages", goerr.V("identity", identity))
	}
	return newLen, nil
}

// Messages returns the identity's thread in append order
func (m *Manager) Messages(ctx context.Context, identity string) ([]*model.Message, error) {
	return m.repo.GetThread(ctx, identity)
}

// Read yields the identity's messages in append order. The sequence is
// restartable: each range re-reads the thread.
func (m *Manager) Read(ctx context.Context, identity string) iter.Seq2[*model.Message, error] {
	return func(yield func(*model.Message, error) bool) {
		msgs, err := m.repo.GetThread(ctx, identity)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, msg := range msgs {
			if !yield(msg, nil) {
				return
			}
		}
	}
}
