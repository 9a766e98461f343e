package packager

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

type Resource struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type Hooks struct {
	OnBeforeProcessFile func(name, path string, size int64)
}

// Archive writes resources into a zstd compressed tar file at outputPath.
func Archive(
	ctx context.Context,

	resources []Resource,
	outputPath string,

	hooks Hooks,
) error {
	outputFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Join(ErrCouldNotOpenPackageOutputFile, err)
	}
	defer outputFile.Close()

	compressor, err := zstd.NewWriter(outputFile)
	if err != nil {
		return errors.Join(ErrCouldNotCreateCompressor, err)
	}
	defer compressor.Close()

	archive := tar.NewWriter(compressor)
	defer archive.Close()

	for _, resource := range resources {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := archiveResource(archive, resource, hooks); err != nil {
			return err
		}
	}

	if err := archive.Close(); err != nil {
		return errors.Join(ErrCouldNotCopyToArchive, err)
	}

	return compressor.Close()
}

func archiveResource(archive *tar.Writer, resource Resource, hooks Hooks) error {
	info, err := os.Stat(resource.Path)
	if err != nil {
		return errors.Join(ErrCouldNotStatResource, err)
	}

	if hook := hooks.OnBeforeProcessFile; hook != nil {
		hook(resource.Name, resource.Path, info.Size())
	}

	header, err := tar.FileInfoHeader(info, resource.Path)
	if err != nil {
		return errors.Join(ErrCouldNotCreateTarHeader, err)
	}
	header.Name = resource.Name

	if err := archive.WriteHeader(header); err != nil {
		return errors.Join(ErrCouldNotWriteTarHeader, err)
	}

	f, err := os.Open(resource.Path)
	if err != nil {
		return errors.Join(ErrCouldNotOpenResource, err)
	}
	defer f.Close()

	if _, err = io.Copy(archive, f); err != nil {
		return errors.Join(ErrCouldNotCopyToArchive, err)
	}

	return nil
}

// Extract copies the named resources out of the package at inputPath. Every
// resource has to be present.
func Extract(
	ctx context.Context,

	inputPath string,
	resources []Resource,

	hooks Hooks,
) error {
	packageFile, err := os.Open(inputPath)
	if err != nil {
		return errors.Join(ErrCouldNotOpenPackageInputFile, err)
	}
	defer packageFile.Close()

	uncompressor, err := zstd.NewReader(packageFile)
	if err != nil {
		return errors.Join(ErrCouldNotCreateUncompressor, err)
	}
	defer uncompressor.Close()

	wanted := map[string]string{}
	for _, resource := range resources {
		wanted[resource.Name] = resource.Path
	}

	archive := tar.NewReader(uncompressor)
	for len(wanted) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		header, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return errors.Join(ErrCouldNotReadNextHeader, err)
		}

		path, ok := wanted[header.Name]
		if !ok {
			continue
		}

		if hook := hooks.OnBeforeProcessFile; hook != nil {
			hook(header.Name, path, header.Size)
		}

		if err := extractResource(archive, path); err != nil {
			return err
		}

		delete(wanted, header.Name)
	}

	for _, resource := range resources {
		if _, missing := wanted[resource.Name]; missing {
			// The more specific error goes first
			return errors.Join(fmt.Errorf("missing resource: %s", resource.Name), ErrMissingResource)
		}
	}

	return nil
}

// List returns the names of all resources in the package at inputPath.
func List(inputPath string) ([]string, error) {
	packageFile, err := os.Open(inputPath)
	if err != nil {
		return nil, errors.Join(ErrCouldNotOpenPackageInputFile, err)
	}
	defer packageFile.Close()

	uncompressor, err := zstd.NewReader(packageFile)
	if err != nil {
		return nil, errors.Join(ErrCouldNotCreateUncompressor, err)
	}
	defer uncompressor.Close()

	var names []string
	archive := tar.NewReader(uncompressor)
	for {
		header, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				return names, nil
			}

			return nil, errors.Join(ErrCouldNotReadNextHeader, err)
		}

		names = append(names, header.Name)
	}
}

func extractResource(src io.Reader, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Join(ErrCouldNotCreateOutputDir, err)
	}

	outputFile, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Join(ErrCouldNotOpenOutputFile, err)
	}
	defer outputFile.Close()

	if _, err = io.Copy(outputFile, src); err != nil {
		return errors.Join(ErrCouldNotCopyToOutput, err)
	}

	return nil
}
