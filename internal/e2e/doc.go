// Package e2e drives the gateway end to end: a daemon runtime on a Unix
// socket, agents and reviewers as separate clients, and a seeded SQLite
// target behind it.
package e2e
