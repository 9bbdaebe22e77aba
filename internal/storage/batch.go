package storage

import (
	"context"

	"asisaid.cn/unistore/internal/common/parallel"
)

// UploadMultiple uploads files through d with at most maxConcurrent uploads
// in flight. One outcome is returned per input file, in input order; a
// failing file never aborts the batch.
func UploadMultiple(ctx context.Context, d Driver, files []*UploadFile, opts UploadOptions, maxConcurrent int) []UploadOutcome {
	return runBatch(ctx, files, maxConcurrent,
		func(ctx context.Context, f *UploadFile) UploadOutcome {
			res, err := d.Upload(ctx, f, opts)
			return UploadOutcome{Result: res, Err: err}
		},
		func(_ *UploadFile, err error) UploadOutcome {
			return UploadOutcome{Err: err}
		})
}

// DeleteMultiple deletes references through d. Outcomes are in input order.
func DeleteMultiple(ctx context.Context, d Driver, references []string, maxConcurrent int) []DeleteOutcome {
	return runBatch(ctx, references, maxConcurrent,
		func(ctx context.Context, ref string) DeleteOutcome {
			deleted, err := d.Delete(ctx, ref)
			return DeleteOutcome{Reference: ref, Deleted: deleted, Err: err}
		},
		func(ref string, err error) DeleteOutcome {
			return DeleteOutcome{Reference: ref, Err: err}
		})
}

// runBatch captures each item's outcome. Items that never ran because ctx
// was canceled get the cancellation error.
func runBatch[T, R any](ctx context.Context, items []T, maxConcurrent int, do func(context.Context, T) R, failed func(T, error) R) []R {
	ran := make([]bool, len(items))
	outcomes, err := parallel.RunLimited(ctx, items, maxConcurrent, func(ctx context.Context, i int, item T) (R, error) {
		ran[i] = true
		return do(ctx, item), nil
	})
	if err != nil {
		for i := range outcomes {
			if !ran[i] {
				outcomes[i] = failed(items[i], err)
			}
		}
	}
	return outcomes
}
