package compress

import (
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// Compress re-encodes the image at inputPath into outputDir and returns
// the path of the produced file.
//
// GIFs are copied verbatim with their extension intact: the lossy path
// mangles animations, so the format is excluded from re-encoding. Every
// other raster input is encoded twice into WebP, once lossless and once
// lossy at the given quality, and the smaller candidate wins. Exactly one
// output file remains in outputDir when Compress returns nil.
func Compress(inputPath, outputDir string, quality int) (string, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, format, err := image.DecodeConfig(f)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", inputPath, err)
	}

	filename := filepath.Base(inputPath)

	if format == "gif" {
		outputPath := filepath.Join(outputDir, filename)
		// A downloaded GIF already sits in outputDir under its final name.
		if filepath.Clean(outputPath) == filepath.Clean(inputPath) {
			return outputPath, nil
		}
		if err := copyFile(inputPath, outputPath); err != nil {
			return "", err
		}
		return outputPath, nil
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", inputPath, err)
	}

	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	outputPath := filepath.Join(outputDir, stem+".webp")
	losslessPath := filepath.Join(outputDir, stem+"_lossless.webp")

	losslessSize, err := encodeWebP(losslessPath, img, &webp.Options{Lossless: true})
	if err != nil {
		return "", err
	}

	lossySize, err := encodeWebP(outputPath, img, &webp.Options{Quality: float32(quality)})
	if err != nil {
		os.Remove(losslessPath)
		return "", err
	}

	// Keep the smaller candidate, drop the other.
	if losslessSize < lossySize {
		os.Remove(outputPath)
		if err := os.Rename(losslessPath, outputPath); err != nil {
			return "", err
		}
	} else {
		os.Remove(losslessPath)
	}

	return outputPath, nil
}

func encodeWebP(path string, img image.Image, opts *webp.Options) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	if err := webp.Encode(out, img, opts); err != nil {
		out.Close()
		os.Remove(path)
		return 0, fmt.Errorf("encode %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}
	return destFile.Close()
}
