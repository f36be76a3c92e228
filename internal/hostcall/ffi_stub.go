//go:build !(cgo && libffi)

package hostcall

import "github.com/sirupsen/logrus"

// Native reports that no native invoker was built in. Build with the libffi
// tag (and cgo) to call C functions.
func Native(log logrus.FieldLogger) (Invoker, bool) {
	log.Debug("built without libffi, only Go host functions are callable")
	return nil, false
}
