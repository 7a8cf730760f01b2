package filebackend

import "errors"

var errShortRead = errors.New("filebackend: short read")
