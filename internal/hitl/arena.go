package hitl

import (
	"sync"
	"time"

	"github.com/xela07ax/hermit-cubicles/internal/domain"
)

type pendingEntry struct {
	req    domain.ApprovalRequest
	runID  string
	seenAt time.Time
}

// arena - явное хранилище ожидающих запросов координатора.
// Индекс по прогону нужен для внутриполосного подтверждения.
type arena struct {
	mu    sync.Mutex
	byID  map[int64]*pendingEntry
	byRun map[string][]int64
}

func newArena() *arena {
	return &arena{
		byID:  make(map[int64]*pendingEntry),
		byRun: make(map[string][]int64),
	}
}

func (a *arena) add(runID string, req domain.ApprovalRequest, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.byID[req.ID] = &pendingEntry{req: req, runID: runID, seenAt: at}
	a.byRun[runID] = append(a.byRun[runID], req.ID)
}

// latestForRun самый свежий еще ожидающий запрос прогона.
func (a *arena) latestForRun(runID string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := a.byRun[runID]
	for i := len(ids) - 1; i >= 0; i-- {
		if _, ok := a.byID[ids[i]]; ok {
			return ids[i], true
		}
	}
	return 0, false
}

func (a *arena) remove(id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.byID[id]
	if !ok {
		return
	}
	delete(a.byID, id)
	a.dropFromRun(e.runID, id)
}

func (a *arena) endRun(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byRun, runID)
}

// evict удаляет записи старше cutoff, возвращает их.
func (a *arena) evict(cutoff time.Time) []domain.ApprovalRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.ApprovalRequest
	for id, e := range a.byID {
		if e.seenAt.Before(cutoff) {
			out = append(out, e.req)
			delete(a.byID, id)
			a.dropFromRun(e.runID, id)
		}
	}
	return out
}

func (a *arena) pending() []domain.ApprovalRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.ApprovalRequest, 0, len(a.byID))
	for _, e := range a.byID {
		out = append(out, e.req)
	}
	return out
}

func (a *arena) dropFromRun(runID string, id int64) {
	ids := a.byRun[runID]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(a.byRun, runID)
		return
	}
	a.byRun[runID] = ids
}
