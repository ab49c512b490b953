// Package sources locates capture directories for a period.
//
// An inbox source keeps one directory per period label under the output
// root and is filled by `parcel add`. A tree source reads directories laid
// out as <root>/<category>/<label> by another tool. Both satisfy
// Discoverer, chosen once per source at startup.
package sources
