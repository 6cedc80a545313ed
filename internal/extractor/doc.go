// Package extractor turns rendered pages into article text and outbound
// links. Sites with known markup use CSS selectors; everything else falls
// back to readability extraction.
package extractor
