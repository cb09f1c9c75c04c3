package transport

import (
	"sync/atomic"

	"github.com/juju/ratelimit"
)

// Valve limits the byte rate of a connection and counts the bytes that went through it.
// rx is traffic read from the remote, tx is traffic written to it.
type Valve interface {
	rxWait(int)
	txWait(int)
	AddRx(n int64)
	AddTx(n int64)
	GetRx() int64
	GetTx() int64
	Nullify() (int64, int64)
}

// LimitedValve is a Valve backed by token buckets. It can be shared by several connections to
// apply one limit across all of them.
type LimitedValve struct {
	rxtb *ratelimit.Bucket
	txtb *ratelimit.Bucket

	rx *int64
	tx *int64
}

// MakeValve returns a Valve limiting rx and tx to the given number of bytes per second
func MakeValve(rxRate, txRate int64) *LimitedValve {
	var rx, tx int64
	v := &LimitedValve{
		rxtb: ratelimit.NewBucketWithRate(float64(rxRate), rxRate),
		txtb: ratelimit.NewBucketWithRate(float64(txRate), txRate),
		rx:   &rx,
		tx:   &tx,
	}
	return v
}

func (v *LimitedValve) rxWait(n int)  { v.rxtb.Wait(int64(n)) }
func (v *LimitedValve) txWait(n int)  { v.txtb.Wait(int64(n)) }
func (v *LimitedValve) AddRx(n int64) { atomic.AddInt64(v.rx, n) }
func (v *LimitedValve) AddTx(n int64) { atomic.AddInt64(v.tx, n) }
func (v *LimitedValve) GetRx() int64  { return atomic.LoadInt64(v.rx) }
func (v *LimitedValve) GetTx() int64  { return atomic.LoadInt64(v.tx) }
func (v *LimitedValve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(v.rx, 0)
	tx := atomic.SwapInt64(v.tx, 0)
	return rx, tx
}

// UnlimitedValve only counts bytes
type UnlimitedValve struct {
	rx int64
	tx int64
}

func (v *UnlimitedValve) rxWait(int)    {}
func (v *UnlimitedValve) txWait(int)    {}
func (v *UnlimitedValve) AddRx(n int64) { atomic.AddInt64(&v.rx, n) }
func (v *UnlimitedValve) AddTx(n int64) { atomic.AddInt64(&v.tx, n) }
func (v *UnlimitedValve) GetRx() int64  { return atomic.LoadInt64(&v.rx) }
func (v *UnlimitedValve) GetTx() int64  { return atomic.LoadInt64(&v.tx) }
func (v *UnlimitedValve) Nullify() (int64, int64) {
	rx := atomic.SwapInt64(&v.rx, 0)
	tx := atomic.SwapInt64(&v.tx, 0)
	return rx, tx
}
