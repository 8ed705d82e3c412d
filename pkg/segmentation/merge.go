package segmentation

import "gxpipeline/internal/models"

// MergeOp selects how per-scan masks are combined in the dual-Dixon case.
type MergeOp string

const (
	// MergeUnion keeps voxels present in either mask.
	MergeUnion MergeOp = "union"

	// MergeIntersection keeps only voxels present in both masks.
	MergeIntersection MergeOp = "intersection"
)

// Merge combines two aligned per-scan masks into a single mask. The
// operation is commutative and associative, so the result is independent of
// scan processing order. The merged mask must still be non-empty.
func Merge(a, b *models.LungMask, op MergeOp) (*models.LungMask, error) {
	if !a.Dims.Equal(b.Dims) {
		return nil, &Error{Reason: "cannot merge masks on different grids: " +
			a.Dims.String() + " vs " + b.Dims.String()}
	}

	out := models.NewLungMask(a.Dims, models.MaskSourceMerged)
	switch op {
	case MergeUnion:
		for i := range out.Data {
			out.Data[i] = a.Data[i] || b.Data[i]
		}
	case MergeIntersection:
		for i := range out.Data {
			out.Data[i] = a.Data[i] && b.Data[i]
		}
	default:
		return nil, &Error{Reason: "unknown merge operator " + string(op)}
	}

	if out.VoxelCount() == 0 {
		return nil, &Error{Reason: "merged mask is empty"}
	}
	return out, nil
}
