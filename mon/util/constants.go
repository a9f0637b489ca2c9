package util

import (
	"fmt"
)

var (
	VERSION_NUMBER = fmt.Sprintf("%.02f", 1.00)
	VERSION        = "mapmon " + VERSION_NUMBER
	COMMIT         = ""
)

func Version() string {
	if COMMIT == "" {
		return VERSION
	}
	return VERSION + " " + COMMIT
}
