package training

import (
	"io/fs"
	"os"
	"path/filepath"
)

// Artifact formats.
const (
	FormatPyTorch     = "pytorch"
	FormatPyTorchLast = "pytorch-last"
	FormatONNX        = "onnx"
	FormatNCNN        = "ncnn"
)

// expectedArtifacts are probed relative to a job's output directory.
var expectedArtifacts = []struct {
	format string
	rel    string
}{
	{FormatPyTorch, "train/weights/best.pt"},
	{FormatPyTorchLast, "train/weights/last.pt"},
	{FormatONNX, "train/weights/best.onnx"},
	{FormatNCNN, "train/weights/best_ncnn_model"},
}

// discoverArtifacts probes outputDir for known result files. Paths reported by
// the trainer's complete event take precedence over the conventional layout;
// relative ones are resolved against the trainer's working directory.
// Missing files are returned by format, not treated as errors.
func discoverArtifacts(outputDir, workDir string, result *Result) (found []Artifact, missing []string) {
	reported := map[string]string{}
	if result != nil {
		reported[FormatPyTorch] = result.BestModel
		reported[FormatONNX] = result.ONNXModel
		reported[FormatNCNN] = result.NCNNModel
	}

	for _, exp := range expectedArtifacts {
		candidates := []string{}
		if p := reported[exp.format]; p != "" {
			candidates = append(candidates, resolvePath(workDir, p))
		}
		candidates = append(candidates, filepath.Join(outputDir, exp.rel))

		artifact, ok := probe(exp.format, candidates)
		if !ok {
			missing = append(missing, exp.format)
			continue
		}
		found = append(found, artifact)
	}
	return found, missing
}

func probe(format string, candidates []string) (Artifact, bool) {
	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		a := Artifact{Format: format, Path: path, Size: info.Size()}
		if info.IsDir() {
			a.Dir = true
			a.Size = dirSize(path)
		}
		return a, true
	}
	return Artifact{}, false
}

func resolvePath(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
