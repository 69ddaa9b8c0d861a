package codec

import (
	"sync"

	"github.com/spf13/afero"
	"golang.org/x/crypto/sha3"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
)

// Public parameters for the commitment scheme, loaded once at startup from
// the --powers-path file. The digest of the parameter bytes is folded
// into every commitment, so two nodes only agree on hashes and
// commitments when they loaded identical parameters.
var (
	paramsMu     sync.RWMutex
	paramsDigest []byte
)

// Setup loads the public parameters from path. Failure here is fatal for
// the process; the caller is expected to exit, not retry.
func Setup(fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return dragoonerr.Wrap(dragoonerr.IoError, err, "load codec parameters from %s", path)
	}
	if len(data) == 0 {
		return dragoonerr.New(dragoonerr.BadRequest, "codec parameters file %s is empty", path)
	}
	sum := sha3.Sum256(data)
	paramsMu.Lock()
	paramsDigest = sum[:]
	paramsMu.Unlock()
	return nil
}

// paramsPrefix returns the loaded parameter digest, or nil when Setup has
// not run (tests exercise the codec without parameters; all nodes in such
// a test agree on the empty prefix).
func paramsPrefix() []byte {
	paramsMu.RLock()
	defer paramsMu.RUnlock()
	return paramsDigest
}
