package pricing

import "fmt"

// Params are the billable parameters of a generation. For pre-paid SKUs they
// come from the request; for post-paid SKUs they come from the provider's
// confirmed job output.
type Params struct {
	Count           int    // number of images/clips, min 1
	DurationSeconds int    // video/audio length
	Resolution      string // e.g. "720p", "1080p"
	AudioEnabled    bool
}

type rate struct {
	perUnit   int64 // credits per image (image SKUs)
	perSecond int64 // credits per second (video/audio SKUs)
	audioAdd  int64 // surcharge per second when audio is on
	postPaid  bool  // cost only known once the provider confirms parameters
}

// The price table is static; the original system keeps it as an external
// lookup, so values here are representative, not authoritative.
var rates = map[string]rate{
	"dall-e-3":        {perUnit: 100},
	"dall-e-2":        {perUnit: 40},
	"sdxl":            {perUnit: 20},
	"video-standard":  {perSecond: 50, audioAdd: 10, postPaid: true},
	"video-pro":       {perSecond: 120, audioAdd: 20, postPaid: true},
	"audio-narration": {perSecond: 5, postPaid: true},
}

var resolutionMultiplier = map[string]int64{
	"720p":  1,
	"1080p": 2,
	"4k":    4,
}

// IsPostPaid reports whether the SKU is charged at resolution time rather
// than admission time.
func IsPostPaid(sku string) bool {
	return rates[sku].postPaid
}

// Known reports whether the SKU exists in the price table.
func Known(sku string) bool {
	_, ok := rates[sku]
	return ok
}

// ComputeCost returns the credit cost for a generation with the given SKU and
// parameters. Pure function over the static table.
func ComputeCost(sku string, p Params) (int64, error) {
	r, ok := rates[sku]
	if !ok {
		return 0, fmt.Errorf("pricing: unknown model sku %q", sku)
	}

	count := p.Count
	if count < 1 {
		count = 1
	}

	if r.perUnit > 0 {
		return r.perUnit * int64(count), nil
	}

	seconds := p.DurationSeconds
	if seconds < 1 {
		seconds = 1
	}
	perSecond := r.perSecond
	if p.AudioEnabled {
		perSecond += r.audioAdd
	}
	mult, ok := resolutionMultiplier[p.Resolution]
	if !ok {
		mult = 1
	}
	return perSecond * int64(seconds) * mult * int64(count), nil
}
