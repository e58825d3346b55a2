package utils

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
	quarterProcs := float64(ParallelFactor) * .25
	if quarterProcs > 8 {
		ParallelFactor = int(quarterProcs)
	}
}

type (
	// MemberWorkFunc runs for each work item (member) of a group.
	MemberWorkFunc func(memberNum, workNum int) error
	// GroupWorkFunc runs to determine what work members should do, if any.
	GroupWorkFunc func(groupNum, groupSize, from, to int) MemberWorkFunc
)

// GroupWorkParallel splits totalSize items into contiguous groups, one per worker, and runs
// the member work of each group in its own goroutine. Groups own disjoint [from, to) ranges so
// members may write to index-aligned output slices without locking. Every error returned by a
// member is combined into the returned error. A panicking member stops its group, and once all
// groups are done the first panic is raised again on the calling goroutine.
func GroupWorkParallel(ctx context.Context, totalSize int, groupWork GroupWorkFunc) error {
	if totalSize <= 0 {
		return nil
	}
	numGroups := ParallelFactor
	if numGroups > totalSize {
		numGroups = totalSize
	}
	groupSize := totalSize / numGroups
	extra := totalSize % numGroups

	var errMu sync.Mutex
	var allErrs error
	storeError := func(err error) {
		errMu.Lock()
		defer errMu.Unlock()
		allErrs = multierr.Combine(allErrs, err)
	}

	var panics panicCapture
	var wait sync.WaitGroup
	wait.Add(numGroups)
	for groupNum := 0; groupNum < numGroups; groupNum++ {
		from := groupSize * groupNum
		to := groupSize * (groupNum + 1)
		thisGroupSize := groupSize
		if groupNum == numGroups-1 {
			to += extra
			thisGroupSize += extra
		}
		go func(groupNum, thisGroupSize, from, to int) {
			defer wait.Done()
			defer panics.recover(nil)
			memberWork := groupWork(groupNum, thisGroupSize, from, to)
			if memberWork == nil {
				return
			}
			memberNum := 0
			for workNum := from; workNum < to; workNum++ {
				if ctx.Err() != nil {
					return
				}
				if err := memberWork(memberNum, workNum); err != nil {
					storeError(err)
				}
				memberNum++
			}
		}(groupNum, thisGroupSize, from, to)
	}
	wait.Wait()
	panics.repanic()
	if allErrs == nil {
		return ctx.Err()
	}
	return allErrs
}

// SimpleFunc is for RunInParallel.
type SimpleFunc func(ctx context.Context) error

// RunInParallel runs all functions in parallel, return is elapsed time and an error. The first
// failure cancels the others. A panic also cancels them and is raised again once all are done.
func RunInParallel(ctx context.Context, fs []SimpleFunc) (time.Duration, error) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	var bigError error
	var bigErrorMutex sync.Mutex
	storeError := func(err error) {
		bigErrorMutex.Lock()
		defer bigErrorMutex.Unlock()
		if bigError == nil || !errors.Is(err, context.Canceled) {
			bigError = multierr.Combine(bigError, err)
		}
	}

	var panics panicCapture
	helper := func(f SimpleFunc) {
		defer wg.Done()
		defer panics.recover(cancel)
		err := f(ctx)
		if err != nil {
			storeError(err)
			cancel()
		}
	}

	for _, f := range fs {
		wg.Add(1)
		go helper(f)
	}

	wg.Wait()
	panics.repanic()
	return time.Since(start), bigError
}

// panicCapture keeps the first panic recovered from a set of goroutines.
type panicCapture struct {
	mu    sync.Mutex
	value interface{}
	stack []byte
}

// recover must be deferred directly. onPanic, if set, runs after a panic was caught.
func (pc *panicCapture) recover(onPanic func()) {
	thePanic := recover()
	if thePanic == nil {
		return
	}
	pc.mu.Lock()
	if pc.stack == nil {
		pc.value = thePanic
		pc.stack = debug.Stack()
	}
	pc.mu.Unlock()
	if onPanic != nil {
		onPanic()
	}
}

// repanic raises the captured panic, if any, annotated with the stack it came from.
func (pc *panicCapture) repanic() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.stack != nil {
		panic(fmt.Sprintf("%v\n\nworker goroutine stack:\n%s", pc.value, pc.stack))
	}
}
