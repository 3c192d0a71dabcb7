/*
Package types defines the core data structures shared across fairedge.

A Job moves between exactly two persistent locations: the waiting queue
and the dispatch history. TerminationRequest rows carry pending stop
intents. PortMap, RunningContainer and ContainerStats are the shapes
exchanged with the container runtime facade.
*/
package types
