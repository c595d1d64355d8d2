// Package scrub removes sensitive data from free-text fields before that
// text is sent to any external service.
//
// Technician notes in work orders routinely contain contact details, patient
// names, insurance numbers, and device serials. None of that may leave the
// pipeline, so every text field passes through a Scrubber before enrichment.
// Scrubbing is purely local: no network calls, no model inference, just an
// ordered list of compiled patterns.
//
// Each match is replaced with a category token such as [REDACTED:EMAIL]
// rather than being deleted, so the downstream extraction model still sees
// where something was and what kind of thing it was. The tokens are built so
// that no rule in the default set can match inside one, which makes the
// operation idempotent: scrubbing already-scrubbed text is a no-op.
//
// Rules run in a fixed order. Identifier patterns (government IDs, insurance
// numbers, serials) run before the phone patterns so a hyphenated ID is
// consumed whole instead of being partially eaten as a phone number. The
// default set covers English, German, French, Chinese, and Japanese label
// conventions, since those are the languages the notes arrive in.
//
// Usage:
//
//	s := scrub.New()
//	clean, spans := s.Scrub(order.LongText)
//
// The returned spans identify what was redacted and where, for audit
// logging. Spans index into the text as it stood when their rule ran and
// are never persisted alongside the record.
package scrub
