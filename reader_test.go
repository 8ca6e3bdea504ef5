package zsr

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-zsr/zsr/radixidx"
)

func titleFor(archivePath string) string {
	switch filepath.ToSlash(archivePath) {
	case "a.txt":
		return "Alpha File"
	case "sub/b.txt":
		return "Beta File"
	case "sub/empty.txt":
		return "Empty File"
	default:
		return ""
	}
}

func buildTitledFixture(t *testing.T) string {
	t.Helper()
	return buildFixture(t, BuildOptions{
		LinkPolicy: Process,
		NodeSchema: []string{"title"},
		TitleField: "title",
		MetadataFunc: func(archivePath string) ([]string, error) {
			return []string{titleFor(archivePath)}, nil
		},
	})
}

func TestRoundTripContent(t *testing.T) {
	destPath := buildTitledFixture(t)
	a, err := Open(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	n, err := a.Resolve("sub/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if n.Kind() != Regular {
		t.Fatalf("Kind() = %v, want Regular", n.Kind())
	}
	r, err := n.Open()
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	want := "hello b, a bit longer so compression has something to do"
	if string(got) != want {
		t.Fatalf("content = %q, want %q", got, want)
	}
}

func TestRoundTripEmptyFile(t *testing.T) {
	destPath := buildTitledFixture(t)
	a, err := Open(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	n, err := a.Resolve("sub/empty.txt")
	if err != nil {
		t.Fatal(err)
	}
	size, err := n.FullSize()
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Fatalf("FullSize() = %d, want 0", size)
	}
	r, err := n.Open()
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("content = %q, want empty", got)
	}
}

func TestPathReconstruction(t *testing.T) {
	destPath := buildTitledFixture(t)
	a, err := Open(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	n, err := a.Resolve("sub/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	got, err := a.Path(n)
	if err != nil {
		t.Fatal(err)
	}
	if got != "sub/b.txt" {
		t.Fatalf("Path() = %q, want %q", got, "sub/b.txt")
	}
}

func TestDirectoryChildLookup(t *testing.T) {
	destPath := buildTitledFixture(t)
	a, err := Open(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	sub, err := a.Resolve("sub")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Kind() != Directory {
		t.Fatalf("Kind() = %v, want Directory", sub.Kind())
	}
	b, err := sub.Child("b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "b.txt" {
		t.Fatalf("Child name = %q, want b.txt", b.Name())
	}
	if _, err := sub.Child("nonexistent"); err == nil {
		t.Fatal("Child(nonexistent): want error, got nil")
	}

	children, err := sub.Children()
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 2 {
		t.Fatalf("len(Children()) = %d, want 2", len(children))
	}
}

func TestLinkProcessInTree(t *testing.T) {
	destPath := buildTitledFixture(t)
	a, err := Open(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	root, err := a.Root()
	if err != nil {
		t.Fatal(err)
	}
	link, err := root.Child("link_to_a")
	if err != nil {
		t.Fatal(err)
	}
	if link.Kind() != Link {
		t.Fatalf("Kind() = %v, want Link", link.Kind())
	}
	target, err := link.TargetID()
	if err != nil {
		t.Fatal(err)
	}
	targetNode, err := a.Node(target)
	if err != nil {
		t.Fatal(err)
	}
	if targetNode.Name() != "a.txt" {
		t.Fatalf("link target name = %q, want a.txt", targetNode.Name())
	}

	// get(p) names the node at p; for a link path that is the Link node
	// itself, not its target (P3/S3).
	resolved, err := a.Resolve("link_to_a")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Kind() != Link || resolved.Name() != "link_to_a" {
		t.Fatalf("Resolve(link_to_a) = %q/%v, want link_to_a/Link", resolved.Name(), resolved.Kind())
	}

	dest, err := resolved.Dest()
	if err != nil {
		t.Fatal(err)
	}
	if dest.Name() != "a.txt" {
		t.Fatalf("Dest() name = %q, want a.txt", dest.Name())
	}

	followed, err := resolved.Follow()
	if err != nil {
		t.Fatal(err)
	}
	if followed.Kind() != Regular || followed.Name() != "a.txt" {
		t.Fatalf("Follow() = %q/%v, want a.txt/Regular", followed.Name(), followed.Kind())
	}

	// Content/size/metadata operations transparently follow when invoked
	// directly on a Link.
	r, err := resolved.Open()
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello a" {
		t.Fatalf("Open() on link content = %q, want %q", got, "hello a")
	}

	if !a.Check("link_to_a") {
		t.Fatal("Check(link_to_a) = false, want true (resolves to a regular file)")
	}
	if !a.Check("a.txt") {
		t.Fatal("Check(a.txt) = false, want true")
	}
	if a.Check("sub") {
		t.Fatal("Check(sub) = true, want false (directory, not a regular file)")
	}
	if a.Check("does-not-exist") {
		t.Fatal("Check(does-not-exist) = true, want false")
	}
}

func TestTrailerIsTitleIndexBytes(t *testing.T) {
	destPath := buildTitledFixture(t)
	a, err := Open(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	trailer := a.Trailer()
	idx, err := radixidx.Open(trailer)
	if err != nil {
		t.Fatal(err)
	}
	got, err := idx.PrefixSearch("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("PrefixSearch(alpha) over Trailer() bytes = %d ids, want 1", len(got))
	}
}

func TestLinkFollowOutOfTree(t *testing.T) {
	outsideDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(outsideDir, "outside.txt"), []byte("outside content"), 0o644); err != nil {
		t.Fatal(err)
	}

	srcDir := t.TempDir()
	if err := os.Symlink(filepath.Join(outsideDir, "outside.txt"), filepath.Join(srcDir, "ext_link")); err != nil {
		t.Fatal(err)
	}

	destPath := filepath.Join(t.TempDir(), "out.zsr")
	if err := Build(context.Background(), srcDir, destPath, BuildOptions{LinkPolicy: Process}); err != nil {
		t.Fatal(err)
	}

	a, err := Open(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	n, err := a.Resolve("ext_link")
	if err != nil {
		t.Fatal(err)
	}
	if n.Kind() != Regular {
		t.Fatalf("Kind() = %v, want Regular (out-of-tree link should fall back to Follow)", n.Kind())
	}
	r, err := n.Open()
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "outside content" {
		t.Fatalf("content = %q, want %q", got, "outside content")
	}
}

func TestTitleIndexSearch(t *testing.T) {
	destPath := buildTitledFixture(t)
	a, err := Open(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	idx, err := a.TitleIndex()
	if err != nil {
		t.Fatal(err)
	}

	got, err := idx.PrefixSearch("file")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("PrefixSearch(file) = %d ids, want 3", len(got))
	}

	got, err = idx.PrefixSearch("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("PrefixSearch(alpha) = %d ids, want 1", len(got))
	}
	var id ID
	for k := range got {
		id = ID(k)
	}
	n, err := a.Node(id)
	if err != nil {
		t.Fatal(err)
	}
	if n.Name() != "a.txt" {
		t.Fatalf("PrefixSearch(alpha) resolved to %q, want a.txt", n.Name())
	}
}

func TestExtract(t *testing.T) {
	destPath := buildTitledFixture(t)
	a, err := Open(destPath)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	root, err := a.Root()
	if err != nil {
		t.Fatal(err)
	}
	outDir := t.TempDir()
	if err := a.Extract(context.Background(), root, outDir); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(outDir, "sub", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	want := "hello b, a bit longer so compression has something to do"
	if string(got) != want {
		t.Fatalf("extracted content = %q, want %q", got, want)
	}

	linkInfo, err := os.Lstat(filepath.Join(outDir, "link_to_a"))
	if err != nil {
		t.Fatal(err)
	}
	if linkInfo.Mode()&os.ModeSymlink == 0 {
		t.Fatal("link_to_a was not extracted as a symlink")
	}
}
