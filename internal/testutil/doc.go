// Package testutil holds deterministic test doubles shared by package tests.
package testutil
