// Package hls fetches HTTP Live Streaming media: it lists the variants of a
// master playlist as formats and downloads a variant's segments into one
// transport stream, optionally remuxed by ffmpeg.
package hls

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grafov/m3u8"

	"videovault/internal/ffmpeg"
	"videovault/internal/job"
	"videovault/internal/storage"
)

const maxPlaylistBytes = 8 << 20

// Options configures a Runner.
type Options struct {
	Client  *http.Client
	Headers map[string]string
	// FFmpeg remuxes the downloaded stream; nil keeps the raw .ts file.
	FFmpeg *ffmpeg.Tool
	Logger *slog.Logger
}

// Runner implements job.Runner for .m3u8 URLs.
type Runner struct {
	client  *http.Client
	headers map[string]string
	ffmpeg  *ffmpeg.Tool
	dir     *storage.Dir
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a Runner writing into dir.
func New(dir *storage.Dir, opts Options) *Runner {
	r := &Runner{
		client:  opts.Client,
		headers: opts.Headers,
		ffmpeg:  opts.FFmpeg,
		dir:     dir,
		logger:  opts.Logger,
		now:     time.Now,
	}
	if r.client == nil {
		r.client = &http.Client{Timeout: 30 * time.Second}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// IsPlaylistURL reports whether rawURL points at an m3u8 playlist.
func IsPlaylistURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".m3u8")
}

func (r *Runner) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: bad status code: %d", rawURL, resp.StatusCode)
	}
	return resp, nil
}

func (r *Runner) load(ctx context.Context, rawURL string) (m3u8.Playlist, PlaylistType, *url.URL, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, Unknown, nil, err
	}
	resp, err := r.get(ctx, rawURL)
	if err != nil {
		return nil, Unknown, nil, err
	}
	defer resp.Body.Close()

	pl, typ, err := Parse(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return nil, Unknown, nil, fmt.Errorf("parse playlist: %w", err)
	}
	return pl, typ, base, nil
}

func variantID(i int) string {
	return "hls-" + strconv.Itoa(i)
}

// Resolve lists the variants of a master playlist, or the single stream of
// a media playlist. Sizes are estimated from bandwidth and duration.
func (r *Runner) Resolve(ctx context.Context, p job.Params) (job.Resolution, error) {
	pl, typ, base, err := r.load(ctx, p.URL)
	if err != nil {
		return job.Resolution{}, err
	}
	res := job.Resolution{Title: titleFromURL(base)}

	switch typ {
	case Master:
		master := pl.(*m3u8.MasterPlaylist)
		// every variant covers the same timeline, one media playlist gives the duration
		var duration float64
		if i := bestVariant(master.Variants); i >= 0 {
			media, mtyp, _, err := r.load(ctx, ResolveURL(base, master.Variants[i].URI))
			if err == nil && mtyp == Variant {
				duration = Duration(media.(*m3u8.MediaPlaylist))
			}
		}
		for i, v := range master.Variants {
			if v == nil {
				continue
			}
			res.Formats = append(res.Formats, variantFormat(i, v, duration))
		}
	case Variant:
		res.Formats = append(res.Formats, job.Format{
			ID:      variantID(0),
			Quality: "source",
			Ext:     "ts",
			VCodec:  "unknown",
			ACodec:  "unknown",
			Type:    "Video",
		})
	}
	return res, nil
}

func variantFormat(i int, v *m3u8.Variant, duration float64) job.Format {
	f := job.Format{
		ID:         variantID(i),
		Ext:        "ts",
		Resolution: variantHeight(v.Resolution),
		VCodec:     "unknown",
		ACodec:     "unknown",
		Type:       "Video",
		Filesize:   int64(float64(v.Bandwidth) / 8 * duration),
	}
	if v.Codecs != "" {
		f.VCodec, f.ACodec = "none", "none"
		for _, c := range strings.Split(v.Codecs, ",") {
			c = strings.TrimSpace(c)
			switch {
			case strings.HasPrefix(c, "mp4a"), strings.HasPrefix(c, "ac-3"), strings.HasPrefix(c, "ec-3"), strings.HasPrefix(c, "opus"):
				f.ACodec = c
			default:
				f.VCodec = c
			}
		}
		if f.IsAudioOnly() {
			f.Type = "Audio"
		}
	}
	switch {
	case f.Resolution > 0:
		f.Quality = fmt.Sprintf("%dp", f.Resolution)
	case v.Bandwidth > 0:
		f.Quality = fmt.Sprintf("%d kbps", v.Bandwidth/1000)
	default:
		f.Quality = "N/A"
	}
	return f
}

func titleFromURL(u *url.URL) string {
	if u == nil {
		return "stream"
	}
	dir := path.Base(path.Dir(u.Path))
	if dir == "." || dir == "/" || dir == "" {
		return strings.TrimSuffix(path.Base(u.Path), path.Ext(u.Path))
	}
	return dir
}

// mediaPlaylist returns the media playlist selected by p.
func (r *Runner) mediaPlaylist(ctx context.Context, p job.Params) (*m3u8.MediaPlaylist, *url.URL, error) {
	pl, typ, base, err := r.load(ctx, p.URL)
	if err != nil {
		return nil, nil, err
	}
	if typ == Variant {
		return pl.(*m3u8.MediaPlaylist), base, nil
	}

	master := pl.(*m3u8.MasterPlaylist)
	chosen := -1
	if p.FormatID != "" {
		for i, v := range master.Variants {
			if v != nil && variantID(i) == p.FormatID {
				chosen = i
			}
		}
		if chosen < 0 {
			return nil, nil, fmt.Errorf("%w: %q", job.ErrUnknownFormat, p.FormatID)
		}
	} else {
		chosen = bestVariant(master.Variants)
		if chosen < 0 {
			return nil, nil, errors.New("master playlist has no variants")
		}
	}

	mediaURL := ResolveURL(base, master.Variants[chosen].URI)
	media, mtyp, mbase, err := r.load(ctx, mediaURL)
	if err != nil {
		return nil, nil, err
	}
	if mtyp != Variant {
		return nil, nil, fmt.Errorf("variant %s is not a media playlist", mediaURL)
	}
	return media.(*m3u8.MediaPlaylist), mbase, nil
}

func bestVariant(variants []*m3u8.Variant) int {
	idx := make([]int, 0, len(variants))
	for i, v := range variants {
		if v != nil {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return -1
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return variants[idx[a]].Bandwidth > variants[idx[b]].Bandwidth
	})
	return idx[0]
}

// Execute downloads every segment of the selected variant in order.
func (r *Runner) Execute(ctx context.Context, p job.Params, progress job.ProgressFunc) (job.Artifact, error) {
	media, base, err := r.mediaPlaylist(ctx, p)
	if err != nil {
		return job.Artifact{}, err
	}
	segments, err := Segments(media, base)
	if err != nil {
		return job.Artifact{}, err
	}
	if len(segments) == 0 {
		return job.Artifact{}, errors.New("playlist has no segments")
	}

	title, suffix, now := titleFromURL(base), "hls_"+uuid.NewString()[:8], r.now()
	tsName := storage.UniqueName(title, suffix, "ts", now)
	tsPath, err := r.dir.Path(tsName)
	if err != nil {
		return job.Artifact{}, err
	}
	if err := r.download(ctx, tsPath, segments, progress); err != nil {
		_ = r.dir.Remove(tsName)
		return job.Artifact{}, err
	}

	if r.ffmpeg == nil {
		return job.Artifact{Filename: tsName}, nil
	}

	ext := "mp4"
	if p.AudioOnly {
		ext = "mp3"
	}
	outName := storage.UniqueName(title, suffix, ext, now)
	outPath, err := r.dir.Path(outName)
	if err != nil {
		return job.Artifact{}, err
	}
	report(progress, job.StageProcessing, 0)
	if err := r.ffmpeg.Convert(ctx, tsPath, outPath, p.AudioOnly); err != nil {
		_ = r.dir.Remove(outName)
		return job.Artifact{}, err
	}
	report(progress, job.StageProcessing, 100)
	if err := r.dir.Remove(tsName); err != nil {
		r.logger.Warn("failed to remove intermediate stream", "path", tsPath, "error", err)
	}
	return job.Artifact{Filename: outName}, nil
}

func report(progress job.ProgressFunc, stage job.Stage, pct float64) {
	if progress != nil {
		progress(job.Progress{Stage: stage, Percent: pct})
	}
}

func (r *Runner) download(ctx context.Context, dst string, segments []Segment, progress job.ProgressFunc) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	keys := make(map[string][]byte)
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.copySegment(ctx, f, seg, keys); err != nil {
			return fmt.Errorf("segment %d/%d: %w", i+1, len(segments), err)
		}
		report(progress, job.StageDownloading, float64(i+1)*100/float64(len(segments)))
	}
	return f.Close()
}

func (r *Runner) copySegment(ctx context.Context, w io.Writer, seg Segment, keys map[string][]byte) error {
	resp, err := r.get(ctx, seg.URL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if seg.KeyURL == "" {
		_, err := io.Copy(w, resp.Body)
		return err
	}

	key, ok := keys[seg.KeyURL]
	if !ok {
		key, err = r.fetchKey(ctx, seg.KeyURL)
		if err != nil {
			return err
		}
		keys[seg.KeyURL] = key
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	plain, err := Decrypt(data, key, seg.IV)
	if err != nil {
		return err
	}
	_, err = w.Write(plain)
	return err
}

func (r *Runner) fetchKey(ctx context.Context, keyURL string) ([]byte, error) {
	resp, err := r.get(ctx, keyURL)
	if err != nil {
		return nil, fmt.Errorf("fetch key: %w", err)
	}
	defer resp.Body.Close()
	key, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return nil, err
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("fetch key: expected 16 bytes, got %d", len(key))
	}
	return key, nil
}

// Decrypt reverses AES-128-CBC with PKCS#7 padding as used by HLS.
func Decrypt(data, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("encrypted segment is not a multiple of the block size")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) || !bytes.Equal(out[len(out)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, errors.New("invalid segment padding")
	}
	return out[:len(out)-pad], nil
}
