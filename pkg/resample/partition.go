package resample

import "modelresample/pkg/volume"

// splitRegion partitions region into at most n contiguous slabs along its
// outermost axis with more than one voxel. Each slab gets extent/n slices
// and the first extent%n slabs one more. An empty region yields no slabs.
func splitRegion(region volume.Region, n int) []volume.Region {
	if region.NumberOfVoxels() == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}

	axis := volume.Dimension - 1
	for axis > 0 && region.Size[axis] <= 1 {
		axis--
	}
	extent := region.Size[axis]
	if n > extent {
		n = extent
	}

	base, extra := extent/n, extent%n
	regions := make([]volume.Region, 0, n)
	start := region.Index[axis]
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		sub := region
		sub.Index[axis] = start
		sub.Size[axis] = size
		regions = append(regions, sub)
		start += size
	}
	return regions
}
