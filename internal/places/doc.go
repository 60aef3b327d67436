// Package places turns raw (country, city) signals into display names,
// URL slugs and labels.
//
// The core components are:
//   - [Dictionary]: country code -> lowercase raw city -> canonical {name, slug}
//   - [Dictionary.Normalize]: dictionary lookup, country heuristics, generic casing
//   - [Slug]: accent-folded, lowercase, hyphenated ASCII
//   - [Store]: the active dictionary behind an atomic pointer
//   - [Loader] and [Watcher]: optional refresh of the dictionary from SSM/S3
//
// A Dictionary is never mutated once built. Refreshes publish a new one.
package places
