package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// qcow2Magic is "QFI\xfb", the first four bytes of every QCOW2 header.
	// https://www.qemu.org/docs/master/interop/qcow2.html
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xfb}

	// mbrSignature closes the first 512-byte sector of bootable disks. GPT
	// disks carry it too in their protective MBR.
	mbrSignature = []byte{0x55, 0xaa}
)

// DetectImageFormat opens filePath and calls DetectFormat.
func DetectImageFormat(filePath string) (VolumeFormat, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return DetectFormat(f)
}

// DetectFormat identifies a bootable disk image from its magic bytes:
// QCOW2 header at offset 0, or an MBR boot signature at offset 510 for raw
// images. Anything else is rejected.
func DetectFormat(r io.ReaderAt) (VolumeFormat, error) {
	magic := make([]byte, len(qcow2Magic))
	if _, err := r.ReadAt(magic, 0); err != nil {
		return "", fmt.Errorf("file too small to be valid image (< 4 bytes): %w", err)
	}
	if bytes.Equal(magic, qcow2Magic) {
		return VolumeFormatQCOW2, nil
	}

	sig := make([]byte, len(mbrSignature))
	if _, err := r.ReadAt(sig, 510); err != nil {
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("file too small for boot sector (< 512 bytes): %w", err)
		}
		return "", fmt.Errorf("failed to read boot sector signature: %w", err)
	}
	if bytes.Equal(sig, mbrSignature) {
		return VolumeFormatRaw, nil
	}
	return "", errors.New("unsupported or invalid image: not qcow2 and missing boot sector signature (0x55aa at offset 510)")
}
