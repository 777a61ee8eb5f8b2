// Package clock implements the vector clock used to establish causal
// order between task replica nodes.
package clock
