// Package dataset encodes field tensors into the files a training pipeline
// reads, names them deterministically, and writes them atomically.
package dataset

import (
	"fmt"
	"path/filepath"

	"github.com/3cpo-dev/flowgen/pkg/api"
)

// Name is the extensionless dataset name of a job. It depends only on the
// spec, so a rerun with the same seed maps every job to the same file.
// Inflow components are scaled by 100 and truncated toward zero.
func Name(spec api.JobSpec) string {
	return fmt.Sprintf("%s_%07d_%06d_%06d",
		spec.Geometry, spec.Index, int(spec.InflowX*100), int(spec.InflowY*100))
}

// Path joins the output directory, the job name and the codec extension.
func Path(dir string, spec api.JobSpec, codec Codec) string {
	return filepath.Join(dir, Name(spec)+codec.Ext())
}
