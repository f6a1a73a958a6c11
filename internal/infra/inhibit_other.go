//go:build !linux && !windows && !darwin

package infra

const defaultInhibitor = InhibitorNone

var platformInhibitors = map[string]providerFactory{}
