package stratadb

import "github.com/stratadb/stratadb/storage"

// Subscribe registers a CDC listener for relation, returning the raw
// storage.CDCEvent stream — op plus new/old row sets, delivered
// asynchronously and in commit order (spec.md §5), exactly as package
// storage produces them. stratadb adds no further batching or
// translation: the tabular `new_rows`/`old_rows` spec.md describes are
// already just row vectors, which storage.CDCEvent.NewRows/OldRows are.
func (e *Engine) Subscribe(relation string) <-chan storage.CDCEvent {
	return e.Store.Subscribe(relation)
}
