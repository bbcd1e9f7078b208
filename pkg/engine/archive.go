package engine

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// tarDirectory streams the contents of src as a tar archive, paths
// relative to src, skipping the excluded top-level entries.
func tarDirectory(src string, excludes []string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.Walk(src, func(path string, info os.FileInfo, werr error) error {
			if werr != nil {
				return werr
			}
			rel, rerr := filepath.Rel(src, path)
			if rerr != nil {
				return rerr
			}
			if rel == "." {
				return nil
			}
			top := strings.Split(filepath.ToSlash(rel), "/")[0]
			for _, ex := range excludes {
				if top == ex {
					if info.IsDir() {
						return filepath.SkipDir
					}
					return nil
				}
			}
			hdr, herr := tar.FileInfoHeader(info, "")
			if herr != nil {
				return herr
			}
			hdr.Name = filepath.ToSlash(rel)
			if info.IsDir() {
				hdr.Name += "/"
			}
			if terr := tw.WriteHeader(hdr); terr != nil {
				return terr
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			f, ferr := os.Open(path)
			if ferr != nil {
				return ferr
			}
			defer f.Close()
			_, cerr := io.Copy(tw, f)
			return cerr
		})
		if err == nil {
			err = tw.Close()
		} else {
			tw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// tarFile streams a single file under the given name and mode.
func tarFile(name string, content []byte, mode int64) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: mode,
			Size: int64(len(content)),
		})
		if err == nil {
			_, err = tw.Write(content)
		}
		if err == nil {
			err = tw.Close()
		} else {
			tw.Close()
		}
		pw.CloseWithError(err)
	}()
	return pr
}

// untar unpacks the archive into dst. With stripFirst, the leading path
// element of every entry is dropped, matching docker's dir-copy layout.
func untar(r io.Reader, dst string, stripFirst bool) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "cannot read archive")
		}
		name := filepath.ToSlash(hdr.Name)
		if stripFirst {
			_, rest, found := strings.Cut(name, "/")
			if !found || rest == "" {
				continue
			}
			name = rest
		}
		target := filepath.Join(dst, filepath.FromSlash(name))
		if !strings.HasPrefix(target, filepath.Clean(dst)+string(os.PathSeparator)) {
			return errors.Errorf("archive entry %s escapes destination", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "cannot create dir %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "cannot create dir for %s", target)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return errors.Wrapf(err, "cannot create file %s", target)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return errors.Wrapf(err, "cannot write file %s", target)
			}
			f.Close()
		case tar.TypeSymlink:
			os.Symlink(hdr.Linkname, target)
		}
	}
}
