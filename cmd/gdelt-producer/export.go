package main

import (
	"archive/zip"
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

const maxLineSize = 1 << 20

// loadExport opens the zip archive at input, a http(s) URL or a local path.
func loadExport(ctx context.Context, client *http.Client, input string) (*zip.Reader, error) {
	var data []byte
	var err error

	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		data, err = download(ctx, client, input)
	} else {
		data, err = os.ReadFile(input)
	}
	if err != nil {
		return nil, err
	}

	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", input, err)
	}

	return r, nil
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}

	return data, nil
}

// eachLine calls fn for every non empty line of every file in the archive.
func eachLine(r *zip.Reader, fn func(line string) error) error {
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}

		err := eachFileLine(f, fn)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
	}

	return nil
}

func eachFileLine(f *zip.File, fn func(line string) error) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		err := fn(line)
		if err != nil {
			return err
		}
	}

	return scanner.Err()
}
