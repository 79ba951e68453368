// Package policy turns a market and position snapshot into a single Action.
// Reducers condense adapter reads into policy input; deciders are pure.
package policy
