// Package decision resolves how a media item is delivered to a player: as-is, through a
// transcoding rule, or through the downsampling command.
package decision

import (
	"slices"

	"github.com/tesshucom/jpsonic-sub005/internal/media"
	"github.com/tesshucom/jpsonic-sub005/internal/transcoding"
)

type Path string

const (
	PathPassThrough Path = "pass_through"
	PathTranscode   Path = "transcode"
	PathDownsample  Path = "downsample"
)

type Reason string

const (
	ReasonRawRequested     Reason = "raw_requested"
	ReasonSchemeOff        Reason = "scheme_off"
	ReasonNoApplicableRule Reason = "no_applicable_rule"
	ReasonNativeCompatible Reason = "native_compatible"
	ReasonFormatRequested  Reason = "format_requested"
	ReasonRuleApplies      Reason = "rule_applies"
	ReasonBitRateCeiling   Reason = "bitrate_ceiling"
	ReasonVideo            Reason = "video"
	ReasonHLS              Reason = "hls"
)

// FormatRaw requests the source bytes regardless of configured rules.
const FormatRaw = "raw"

// Input is everything Decide looks at. Rules must already be narrowed to the rules active
// for the player that accept the item's format.
type Input struct {
	Item       media.Item
	Player     media.Player
	MaxBitRate int    // per-request override in kbps, 0 means none
	Format     string // requested target format, empty means none
	Video      media.VideoSettings
	HLS        bool
	Rules      []*transcoding.Rule
	Defaults   Defaults
}

// Defaults are server-wide fallbacks.
type Defaults struct {
	BitRate      int                  // rendered into templates when nothing constrains the bitrate
	VideoBitRate int                  // video bitrate when the request names none
	Downsample   transcoding.Template // optional single-step command enforcing a bitrate ceiling
}

// Parameters is the per-request decision record.
type Parameters struct {
	Item          media.Item
	Path          Path
	Reason        Reason
	Rule          *transcoding.Rule    // set for PathTranscode
	Downsample    transcoding.Template // set for PathDownsample
	MaxBitRate    int                  // effective ceiling in kbps, 0 means unconstrained
	TargetFormat  string
	ContentType   string
	Video         bool
	HLS           bool
	VideoSettings media.VideoSettings

	RangeAllowed   bool
	expectedLength int64
	lengthKnown    bool
}

// ExpectedLength returns the expected output size. It is exact for pass-through and an
// estimate for converted output.
func (p Parameters) ExpectedLength() (int64, bool) {
	return p.expectedLength, p.lengthKnown
}

// Converted reports whether any external process sits between the file and the client.
func (p Parameters) Converted() bool {
	return p.Path != PathPassThrough || p.HLS
}

// Steps returns the command templates to run before any HLS segmenting pass.
func (p Parameters) Steps() []transcoding.Template {
	switch p.Path {
	case PathTranscode:
		return p.Rule.Steps()
	case PathDownsample:
		return []transcoding.Template{p.Downsample}
	default:
		return nil
	}
}

// Decide applies the delivery rules to in. It never fails: missing or invalid optional
// inputs are treated as "no constraint".
func Decide(in Input) Parameters {
	in = normalizeInput(in)

	p := Parameters{
		Item:          in.Item,
		Video:         in.Item.IsVideo(),
		HLS:           in.HLS,
		VideoSettings: in.Video,
	}

	switch {
	case in.HLS:
		decideHLS(in, &p)
	case p.Video:
		decideVideo(in, &p)
	default:
		decideAudio(in, &p)
	}

	p.TargetFormat, p.ContentType = targetOf(p)
	p.expectedLength, p.lengthKnown = expectedLength(p)
	p.RangeAllowed = rangeAllowed(p)
	return p
}

func normalizeInput(in Input) Input {
	in.Item.Format = media.NormalizeFormat(in.Item.Format)
	in.Format = media.NormalizeFormat(in.Format)
	if in.MaxBitRate < 0 {
		in.MaxBitRate = 0
	}
	if in.Item.BitRate < 0 {
		in.Item.BitRate = 0
	}
	if in.Video.Width <= 0 || in.Video.Height <= 0 {
		in.Video.Width, in.Video.Height = media.DefaultVideoWidth, media.DefaultVideoHeight
	}
	if in.Video.TimeOffset < 0 {
		in.Video.TimeOffset = 0
	}
	if in.Video.Duration < 0 {
		in.Video.Duration = 0
	}
	return in
}

func decideAudio(in Input, p *Parameters) {
	if in.Format == FormatRaw {
		passThrough(p, ReasonRawRequested)
		return
	}

	ceiling, schemeOn := in.Player.Scheme.MaxBitRate()
	explicit := in.Format != "" || in.MaxBitRate > 0
	if !schemeOn && !explicit {
		passThrough(p, ReasonSchemeOff)
		return
	}

	rule := pickRule(in.Rules, in.Format)
	limits := []int{in.MaxBitRate, ceiling, in.Item.BitRate}
	if rule != nil {
		limits = append(limits, rule.MaxBitRate)
	}
	effective := minPositive(limits...)
	p.MaxBitRate = effective
	exceeds := effective > 0 && (in.Item.BitRate == 0 || effective < in.Item.BitRate)

	if rule == nil {
		if in.Format == "" || in.Format == in.Item.Format {
			if exceeds && in.Item.BitRate > 0 && !in.Defaults.Downsample.IsZero() {
				p.Path = PathDownsample
				p.Reason = ReasonBitRateCeiling
				p.Downsample = in.Defaults.Downsample
				return
			}
		}
		passThrough(p, ReasonNoApplicableRule)
		return
	}

	if rule.TargetFormat == in.Item.Format && !exceeds {
		passThrough(p, ReasonNativeCompatible)
		return
	}

	p.Path = PathTranscode
	p.Rule = rule
	switch {
	case in.Format != "":
		p.Reason = ReasonFormatRequested
	case rule.TargetFormat == in.Item.Format:
		p.Reason = ReasonBitRateCeiling
	default:
		p.Reason = ReasonRuleApplies
	}
}

func decideVideo(in Input, p *Parameters) {
	p.MaxBitRate = videoBitRate(in)
	if in.Format == FormatRaw || (in.Format != "" && in.Format == in.Item.Format) {
		passThrough(p, ReasonRawRequested)
		return
	}
	rule := pickRule(in.Rules, in.Format)
	if rule == nil {
		passThrough(p, ReasonNoApplicableRule)
		return
	}
	p.Path = PathTranscode
	p.Rule = rule
	p.Reason = ReasonVideo
}

func decideHLS(in Input, p *Parameters) {
	p.Reason = ReasonHLS
	if p.Video {
		p.MaxBitRate = videoBitRate(in)
	} else {
		ceiling, _ := in.Player.Scheme.MaxBitRate()
		p.MaxBitRate = minPositive(in.MaxBitRate, ceiling, in.Item.BitRate)
	}
	if in.Format == "" || in.Format == FormatRaw {
		p.Path = PathPassThrough
		return
	}
	if rule := pickRule(in.Rules, in.Format); rule != nil {
		p.Path = PathTranscode
		p.Rule = rule
		return
	}
	p.Path = PathPassThrough
}

func passThrough(p *Parameters, reason Reason) {
	p.Path = PathPassThrough
	p.Reason = reason
	p.Rule = nil
}

func videoBitRate(in Input) int {
	br := in.MaxBitRate
	if br <= 0 {
		br = in.Defaults.VideoBitRate
	}
	return minPositive(br, in.Item.BitRate)
}

// pickRule returns the first rule whose target matches the requested format, or the first
// rule when no format was requested.
func pickRule(rules []*transcoding.Rule, requested string) *transcoding.Rule {
	if len(rules) == 0 {
		return nil
	}
	if requested == "" {
		return rules[0]
	}
	idx := slices.IndexFunc(rules, func(r *transcoding.Rule) bool { return r.TargetFormat == requested })
	if idx < 0 {
		return nil
	}
	return rules[idx]
}

func minPositive(vals ...int) int {
	out := 0
	for _, v := range vals {
		if v > 0 && (out == 0 || v < out) {
			out = v
		}
	}
	return out
}

func expectedLength(p Parameters) (int64, bool) {
	if p.HLS {
		return 0, false
	}
	if p.Path == PathPassThrough {
		return p.Item.FileSize()
	}
	if p.Video {
		return 0, false
	}
	duration, ok := p.Item.DurationSeconds()
	if !ok || p.MaxBitRate <= 0 {
		return 0, false
	}
	return int64(duration * float64(p.MaxBitRate) * 1000 / 8), true
}

// rangeAllowed: converted output is only seekable when its length was computed from a
// bitrate the last step actually encodes at.
func rangeAllowed(p Parameters) bool {
	if _, ok := p.ExpectedLength(); !ok || p.Video || p.HLS {
		return false
	}
	steps := p.Steps()
	if len(steps) == 0 {
		return true
	}
	return steps[len(steps)-1].Uses(transcoding.BitRate)
}

func targetOf(p Parameters) (format, contentType string) {
	if p.HLS {
		return "ts", ContentTypeMPEGTS
	}
	switch p.Path {
	case PathTranscode:
		format = p.Rule.TargetFormat
	default:
		format = p.Item.Format
	}
	return format, ContentType(format)
}
