package flease

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test005_timeout_predicates_pad_by_dmax(t *testing.T) {

	cv.Convey("HasTimedOut and HasNotTimedOut each leave a dMax margin on the safe side", t, func() {
		v := LeaseValue{LeaseHolder: "a", LeaseTimeoutMs: 1000}
		dMax := int64(100)

		// well before the timeout: valid for the holder, not contestable.
		cv.So(v.HasNotTimedOut(800, dMax), cv.ShouldBeTrue)
		cv.So(v.HasTimedOut(800, dMax), cv.ShouldBeFalse)

		// in the uncertainty window around the timeout: neither.
		for _, now := range []int64{900, 950, 1000, 1050, 1100} {
			cv.So(v.HasNotTimedOut(now, dMax), cv.ShouldBeFalse)
			cv.So(v.HasTimedOut(now, dMax), cv.ShouldBeFalse)
		}

		// well after: contestable.
		cv.So(v.HasTimedOut(1101, dMax), cv.ShouldBeTrue)
		cv.So(v.HasNotTimedOut(1101, dMax), cv.ShouldBeFalse)

		// the boundaries are strict.
		cv.So(v.HasNotTimedOut(899, dMax), cv.ShouldBeTrue)
	})
}

func Test006_flease_snapshot_helpers(t *testing.T) {

	cv.Convey("Flease.IsValidFor is only true for the holder, inside the padded window", t, func() {
		now := time.Now()
		f := newFlease("cell", LeaseValue{
			LeaseHolder:    "me",
			LeaseTimeoutMs: now.Add(time.Second).UnixMilli(),
			MasterEpoch:    3,
		})
		cv.So(f.IsEmpty(), cv.ShouldBeFalse)
		cv.So(f.IsValidFor("me", now, 100*time.Millisecond), cv.ShouldBeTrue)
		cv.So(f.IsValidFor("you", now, 100*time.Millisecond), cv.ShouldBeFalse)
		cv.So(f.IsValidFor("me", now.Add(950*time.Millisecond), 100*time.Millisecond), cv.ShouldBeFalse)
		cv.So(f.Timeout().UnixMilli(), cv.ShouldEqual, f.LeaseTimeoutMs)
		cv.So(f.Equal(f), cv.ShouldBeTrue)

		var empty Flease
		cv.So(empty.IsEmpty(), cv.ShouldBeTrue)
		cv.So(empty.IsValidFor("", now, 0), cv.ShouldBeFalse)
	})
}
