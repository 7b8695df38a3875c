// Package logx is a small structured logging facade over zerolog.
//
// Components take a Logger by value; the zero value discards everything so
// callers that don't care about logs never need to pass one.
package logx
