// Package film holds the progressive render output exchanged between nodes
// and the farm, and the merge contract the farm relies on: films of equal
// dimensions combine by element-wise addition of radiance sums and sample
// counts.
package film
