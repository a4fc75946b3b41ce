// Package dataprocess manages code related to the data-saving process.
package dataprocess

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/viam-modules/viam-loam/cloud"
)

const (
	// SlamTimeFormat is the timestamp format used in the dataprocess.
	SlamTimeFormat = "2006-01-02T15:04:05.0000Z"
)

// CreateTimestampFilename creates an absolute filename with a topic name and timestamp written
// into the filename.
func CreateTimestampFilename(dataDirectory, topic, fileType string, timeStamp time.Time) string {
	return filepath.Join(dataDirectory, topic+"_data_"+timeStamp.UTC().Format(SlamTimeFormat)+fileType)
}

// ParseTimestampFilename recovers the timestamp written into a filename by CreateTimestampFilename.
func ParseTimestampFilename(filename, topic, fileType string) (time.Time, error) {
	base := filepath.Base(filename)
	prefix := topic + "_data_"
	if len(base) < len(prefix)+len(fileType) || base[:len(prefix)] != prefix || base[len(base)-len(fileType):] != fileType {
		return time.Time{}, errors.Errorf("%q is not a %s file of topic %s", filename, fileType, topic)
	}
	ts, err := time.Parse(SlamTimeFormat, base[len(prefix):len(base)-len(fileType)])
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing timestamp of %q", filename)
	}
	return ts, nil
}

// WritePCDToFile encodes the cloud and then saves it to the passed filename.
func WritePCDToFile(c *cloud.Cloud, filename string) error {
	buf := new(bytes.Buffer)
	if err := c.WritePCD(buf); err != nil {
		return err
	}
	return WriteBytesToFile(buf.Bytes(), filename)
}

// WriteJSONToFile encodes v as JSON and then saves it to the passed filename.
func WriteJSONToFile(v interface{}, filename string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return WriteBytesToFile(data, filename)
}

// WriteBytesToFile writes the passed bytes to the passed filename.
func WriteBytesToFile(bytes []byte, filename string) error {
	//nolint:gosec
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(bytes); err != nil {
		return multierr.Combine(err, f.Close())
	}
	if err := w.Flush(); err != nil {
		return multierr.Combine(err, f.Close())
	}
	return f.Close()
}
