// Package testutil provides testing utilities, fixtures, and assertion
// helpers shared by the package tests. It includes random string and PKCE
// pair generators plus record builders for store tests.
package testutil
