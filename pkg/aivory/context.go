// context.go carries request-scoped tags through context.Context so that
// captures deep in a call chain inherit metadata set near the edge.

package aivory

import (
	"context"
	"maps"
)

type tagsKey struct{}

// WithTags returns a context carrying tags merged over any tags already on
// ctx. Later tags overwrite earlier ones with the same key.
func WithTags(ctx context.Context, tags map[string]any) context.Context {
	if len(tags) == 0 {
		return ctx
	}
	merged := maps.Clone(TagsFromContext(ctx))
	if merged == nil {
		merged = make(map[string]any, len(tags))
	}
	maps.Copy(merged, tags)
	return context.WithValue(ctx, tagsKey{}, merged)
}

// TagsFromContext returns the tags attached to ctx, or nil. The returned
// map must not be modified.
func TagsFromContext(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	tags, _ := ctx.Value(tagsKey{}).(map[string]any)
	return tags
}
