//go:build !linux

package park

func native() Parker { return shared }
