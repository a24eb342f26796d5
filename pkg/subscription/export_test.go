package subscription

import "github.com/minoru/kensaku/pkg/event"

// Dispatch delivers one event synchronously, bypassing the ingest channel.
// Test-only: production delivery goes through Ingest and the Run loop.
func (r *Registry) Dispatch(evt *event.Event) { r.dispatch(evt) }
