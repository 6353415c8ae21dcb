// Package transcript persists session conversations as JSONL files laid out
// per project:
//
//	<projects>/<project-slug>/sessions/<session-id>/transcript.jsonl
//	<projects>/<project-slug>/sessions/<session-id>/metadata.json
//
// Invariants:
// - Session ids are validated and path-safe.
// - Appends for the same session are serialized and fsynced.
// - Loading skips corrupted lines instead of failing the whole transcript.
//
// Usage:
//
//	store, _ := transcript.New("/home/me/.tether/projects")
//	_ = store.Append(ctx, "/work/app", "sess-1", transcript.Message{Role: "user", Content: "hi"})
//	project, msgs, err := store.Find(ctx, "sess-1")
package transcript
