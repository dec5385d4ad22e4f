package port

import (
	"sync"
	"time"
)

// AsyncPort adapts a blocking handle for use from a shared runtime by
// executing every operation on one dedicated worker goroutine. The
// semantics are identical to the wrapped handle; callers may block on
// the reply channel but never occupy the runtime inside a driver call.
type AsyncPort struct {
	inner Port
	cmds  chan func()
	done  chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// WrapAsync startet den Worker und übernimmt den Besitz des Handles.
func WrapAsync(inner Port) *AsyncPort {
	a := &AsyncPort{
		inner: inner,
		cmds:  make(chan func(), 16),
		done:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AsyncPort) loop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case cmd := <-a.cmds:
			cmd()
		}
	}
}

// do runs fn on the worker and waits for completion.
func (a *AsyncPort) do(fn func()) error {
	doneCh := make(chan struct{})
	wrapped := func() {
		fn()
		close(doneCh)
	}
	select {
	case <-a.done:
		return ErrClosed
	case a.cmds <- wrapped:
	}
	select {
	case <-doneCh:
		return nil
	case <-a.done:
		// Worker wurde beim Schließen gestoppt
		return ErrClosed
	}
}

func (a *AsyncPort) Write(p []byte) (int, error) {
	var n int
	var err error
	if derr := a.do(func() { n, err = a.inner.Write(p) }); derr != nil {
		return 0, derr
	}
	return n, err
}

func (a *AsyncPort) Read(p []byte) (int, error) {
	var n int
	var err error
	if derr := a.do(func() { n, err = a.inner.Read(p) }); derr != nil {
		return 0, derr
	}
	return n, err
}

func (a *AsyncPort) SetTimeout(d time.Duration) error {
	var err error
	if derr := a.do(func() { err = a.inner.SetTimeout(d) }); derr != nil {
		return derr
	}
	return err
}

func (a *AsyncPort) ClearInputBuffer() error {
	var err error
	if derr := a.do(func() { err = a.inner.ClearInputBuffer() }); derr != nil {
		return derr
	}
	return err
}

func (a *AsyncPort) ClearOutputBuffer() error {
	var err error
	if derr := a.do(func() { err = a.inner.ClearOutputBuffer() }); derr != nil {
		return derr
	}
	return err
}

func (a *AsyncPort) BytesAvailable() (uint32, error) {
	var n uint32
	var err error
	if derr := a.do(func() { n, err = a.inner.BytesAvailable() }); derr != nil {
		return 0, derr
	}
	return n, err
}

// Close releases the wrapped handle and stops the worker. Idempotent;
// operations submitted afterwards fail with ErrClosed.
func (a *AsyncPort) Close() error {
	var err error
	a.closeOnce.Do(func() {
		_ = a.do(func() { err = a.inner.Close() })
		close(a.done)
		a.wg.Wait()
	})
	return err
}
