package flash

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	janus "github.com/maksidze/janus"
)

const hashChunkSize = 4 * 1024 * 1024

// Verify streams SHA-256 digests of the source image and the written
// device and reports whether they match. Only the first imageSize bytes
// of the device are read, since the device is usually larger than the
// image. Progress covers 0→0.5 while hashing the source and 0.5→1.0
// while hashing the device.
func (r *Runner) Verify(ctx context.Context, imagePath, device string, onUpdate UpdateFunc, logf LogFunc, killSig <-chan struct{}) bool {
	info, err := os.Stat(imagePath)
	if err != nil {
		logf(fmt.Sprintf("ERROR: cannot stat image: %v", err))
		return false
	}
	imageSize := info.Size()
	if imageSize == 0 {
		logf("WARN: image size is 0, skipping verify")
		return true
	}

	logf("Verifying: computing SHA-256 of image ...")
	onUpdate(janus.StageUpdate{Progress: 0})

	imgDigest, ok := r.hashStream(ctx, imagePath, imageSize, 0, onUpdate, logf, killSig)
	if !ok {
		return false
	}
	logf("Image SHA-256: " + imgDigest)

	logf("Verifying: computing SHA-256 of device ...")
	devDigest, ok := r.hashStream(ctx, device, imageSize, 0.5, onUpdate, logf, killSig)
	if !ok {
		return false
	}
	logf("Device SHA-256: " + devDigest)

	if imgDigest == devDigest {
		logf("Verify OK")
		onUpdate(janus.StageUpdate{Progress: 1.0})
		return true
	}
	logf("Verify FAILED: checksums do not match")
	return false
}

// hashStream digests up to limit bytes of path, mapping its own
// completion onto [base, base+0.5] of stage progress. The kill signal
// is checked before every chunk so cancellation lands within one chunk
// read of the request.
func (r *Runner) hashStream(ctx context.Context, path string, limit int64, base float64, onUpdate UpdateFunc, logf LogFunc, killSig <-chan struct{}) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		logf(fmt.Sprintf("ERROR: open %s: %v", path, err))
		return "", false
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashChunkSize)
	reader := io.LimitReader(f, limit)
	var read int64
	for {
		if killed(killSig) || ctx.Err() != nil {
			logf("CANCELLED during verify")
			return "", false
		}
		n, err := reader.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			read += int64(n)
			onUpdate(janus.StageUpdate{Progress: base + float64(read)/float64(limit*2)})
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			logf(fmt.Sprintf("ERROR: read %s: %v", path, err))
			return "", false
		}
	}
	return hex.EncodeToString(h.Sum(nil)), true
}
