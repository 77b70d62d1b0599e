//go:build !linux

package resourcegating

import "errors"

func systemLoad() (float64, error) {
	return 0, errors.New("load sampling is only supported on linux")
}
