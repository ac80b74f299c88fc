package user

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/disintegration/imaging"
)

// MaxProfileImageBytes bounds the stored profile image blob.
const MaxProfileImageBytes = 1 << 20

// maxProfileImageDim is the longest edge a stored profile image keeps.
const maxProfileImageDim = 512

// Sentinel errors for profile image ingestion.
var (
	ErrImageTooLarge  = errors.New("profile image exceeds 1 MiB after processing")
	ErrImageUndecoded = errors.New("profile image is not a decodable image")
)

// NormalizeProfileImage decodes an uploaded image, downsizes it so its
// longest edge is at most 512px, and re-encodes it as JPEG. The result is
// what gets persisted on the user row; anything that fails to decode or
// still exceeds the size cap after downsizing is rejected.
func NormalizeProfileImage(raw []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, ErrImageUndecoded
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxProfileImageDim || bounds.Dy() > maxProfileImageDim {
		img = imaging.Fit(img, maxProfileImageDim, maxProfileImageDim, imaging.Lanczos)
	}

	encoded, err := encodeJPEG(img)
	if err != nil {
		return nil, fmt.Errorf("encode profile image: %w", err)
	}
	if len(encoded) > MaxProfileImageBytes {
		return nil, ErrImageTooLarge
	}
	return encoded, nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
