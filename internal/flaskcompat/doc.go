// Package flaskcompat contains the black-box compatibility test suite
// for the original Flask dashboard HTTP surface. See compat_helpers_test.go.
package flaskcompat
