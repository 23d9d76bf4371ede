package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/yacchi/kvmirror/internal/config"
	"github.com/yacchi/kvmirror/source"
	"github.com/yacchi/kvmirror/source/aws"
	"github.com/yacchi/kvmirror/source/fs"
	"github.com/yacchi/kvmirror/source/memory"
)

// newSource builds the source described by cfg. A relative fs path is
// resolved against baseDir, the directory of the configuration file.
func newSource(cfg *config.Config, baseDir string) (source.Source, error) {
	sc := cfg.Source

	var awsOpts []aws.Option
	if sc.Region != "" {
		awsOpts = append(awsOpts, aws.WithRegion(sc.Region))
	}

	switch sc.Type {
	case config.SourceMemory:
		return memory.New(cfg.Entries()...), nil
	case config.SourceFS:
		path := sc.Path
		if !filepath.IsAbs(path) && !strings.HasPrefix(path, "~") {
			path = filepath.Join(baseDir, path)
		}
		return fs.New(path), nil
	case config.SourceSSM:
		awsOpts = append(awsOpts, aws.WithPathRoot(sc.Root), aws.WithDecryption(sc.Decrypt))
		return aws.NewParameterStoreSource(awsOpts...), nil
	case config.SourceS3:
		awsOpts = append(awsOpts, aws.WithKeyRoot(sc.Root))
		return aws.NewS3Source(sc.Bucket, awsOpts...), nil
	case config.SourceCloudFrontKVS:
		return aws.NewKeyValueStoreSource(sc.ARN, awsOpts...), nil
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", config.ErrInvalid, sc.Type)
	}
}
