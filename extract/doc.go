// Package extract finds failure signals in a chunked log and assembles
// context-padded excerpts around them.
//
// Each line is classified by an ordered RuleSet; the first matching rule
// wins. A signal at line j opens a window of lines j-r..j+r, where r is the
// context radius. A later signal whose window starts within MergeGap lines
// of the open window's end extends it instead of starting a new excerpt.
// Preceding context comes from a small ring of recent lines, so windows work
// across chunk boundaries.
//
// Excerpt text is capped by MaxResultBytes. The excerpt that crosses the cap
// is clipped to fit; after that no new excerpts are accepted and the result
// is marked truncated. Truncation is never an error.
package extract
