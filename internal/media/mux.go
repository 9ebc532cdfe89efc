package media

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"frame-orchestrator/internal/orchestrator"
)

// MuxOpener dispatches descriptors to openers by URL scheme. Descriptors with
// an unregistered scheme, or none, go to Fallback.
type MuxOpener struct {
	Schemes  map[string]orchestrator.Opener
	Fallback orchestrator.Opener
}

// Open implements orchestrator.Opener.
func (m MuxOpener) Open(ctx context.Context, descriptor string) (orchestrator.Source, error) {
	if u, err := url.Parse(descriptor); err == nil {
		if o, ok := m.Schemes[strings.ToLower(u.Scheme)]; ok {
			return o.Open(ctx, descriptor)
		}
	}
	if m.Fallback == nil {
		return nil, fmt.Errorf("%w: no opener for %q", orchestrator.ErrSourceUnreachable, descriptor)
	}
	return m.Fallback.Open(ctx, descriptor)
}
