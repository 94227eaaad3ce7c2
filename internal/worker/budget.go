package worker

// RequestBudget decides, per request, whether light cleanup or a full model
// reload is due. It is not safe for concurrent use; the worker guards it.
type RequestBudget struct {
	gcInterval     uint64
	reloadInterval uint64

	count      uint64
	lastGC     uint64
	lastReload uint64
}

func NewRequestBudget(gcInterval, reloadInterval uint64) *RequestBudget {
	return &RequestBudget{gcInterval: gcInterval, reloadInterval: reloadInterval}
}

// Next counts one request and reports which maintenance steps are due.
// Due steps are marked as attempted at the returned count.
func (b *RequestBudget) Next() (count uint64, dueGC, dueReload bool) {
	b.count++
	count = b.count

	dueGC = b.gcInterval > 0 && count%b.gcInterval == 0
	dueReload = b.reloadInterval > 0 && count-b.lastReload >= b.reloadInterval

	if dueGC {
		b.lastGC = count
	}
	if dueReload {
		b.lastReload = count
	}
	return count, dueGC, dueReload
}

func (b *RequestBudget) Count() uint64      { return b.count }
func (b *RequestBudget) LastGC() uint64     { return b.lastGC }
func (b *RequestBudget) LastReload() uint64 { return b.lastReload }
