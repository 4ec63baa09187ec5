// Package storage provides the durable key-value layer under the
// scheduler. Timer records survive process restarts through it;
// everything else in the daemon is reconstructable and stays in memory.
package storage
