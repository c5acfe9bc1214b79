package bondipack

import (
	"os"
	"path/filepath"
	"testing"
)

const helloText = "hello\nworld\nbye\n"

func TestApplyPatch(t *testing.T) {
	tests := []struct {
		name  string
		patch string
		strip int
		file  string
		want  string
	}{
		{
			name:  "traditional",
			strip: 1,
			file:  "hello.txt",
			want:  "hello\nthere\nbye\n",
			patch: `--- a/hello.txt
+++ b/hello.txt
@@ -1,3 +1,3 @@
 hello
-world
+there
 bye
`,
		},
		{
			name:  "traditional with deeper strip",
			strip: 2,
			file:  "hello.txt",
			want:  "hello\nthere\nbye\n",
			patch: `--- orig/hello-1.0/hello.txt
+++ new/hello-1.0/hello.txt
@@ -1,3 +1,3 @@
 hello
-world
+there
 bye
`,
		},
		{
			name:  "git",
			strip: 1,
			file:  "hello.txt",
			want:  "hello\nworld\nbye\nagain\n",
			patch: `From 1234 Mon Sep 17 00:00:00 2001
Subject: [PATCH] add a line

diff --git a/hello.txt b/hello.txt
index 1111111..2222222 100644
--- a/hello.txt
+++ b/hello.txt
@@ -1,3 +1,4 @@
 hello
 world
 bye
+again
`,
		},
		{
			name:  "new file",
			strip: 1,
			file:  "docs/NEWS",
			want:  "line one\nline two\n",
			patch: `diff --git a/docs/NEWS b/docs/NEWS
new file mode 100644
index 0000000..3333333
--- /dev/null
+++ b/docs/NEWS
@@ -0,0 +1,2 @@
+line one
+line two
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			mustWrite(t, filepath.Join(dir, "hello.txt"), helloText)
			patch := filepath.Join(t.TempDir(), "change.patch")
			mustWrite(t, patch, tt.patch)

			if err := ApplyPatch(patch, dir, tt.strip); err != nil {
				t.Fatalf("ApplyPatch() error = %v", err)
			}
			got, err := os.ReadFile(filepath.Join(dir, tt.file))
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("%s = %q, want %q", tt.file, got, tt.want)
			}
		})
	}
}

func TestApplyPatchDelete(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "hello.txt"), helloText)
	patch := filepath.Join(t.TempDir(), "delete.patch")
	mustWrite(t, patch, `diff --git a/hello.txt b/hello.txt
deleted file mode 100644
index 1111111..0000000
--- a/hello.txt
+++ /dev/null
@@ -1,3 +0,0 @@
-hello
-world
-bye
`)

	if err := ApplyPatch(patch, dir, 1); err != nil {
		t.Fatalf("ApplyPatch() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "hello.txt")); !os.IsNotExist(err) {
		t.Errorf("hello.txt still exists")
	}
}

func TestApplyPatchErrors(t *testing.T) {
	tests := []struct {
		name  string
		patch string
		strip int
	}{
		{
			name:  "conflict",
			strip: 1,
			patch: "--- a/hello.txt\n+++ b/hello.txt\n@@ -1,3 +1,3 @@\n hello\n-planet\n+there\n bye\n",
		},
		{
			name:  "missing file",
			strip: 1,
			patch: "--- a/absent.txt\n+++ b/absent.txt\n@@ -1 +1 @@\n-x\n+y\n",
		},
		{
			name:  "escaping path",
			strip: 1,
			patch: "--- a/../../etc/passwd\n+++ b/../../etc/passwd\n@@ -1 +1 @@\n-x\n+y\n",
		},
		{
			name:  "strip too deep",
			strip: 3,
			patch: "--- a/hello.txt\n+++ b/hello.txt\n@@ -1,3 +1,3 @@\n hello\n-world\n+there\n bye\n",
		},
		{
			name:  "no changes",
			strip: 1,
			patch: "just some prose\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			mustWrite(t, filepath.Join(dir, "hello.txt"), helloText)
			patch := filepath.Join(t.TempDir(), "bad.patch")
			mustWrite(t, patch, tt.patch)

			if err := ApplyPatch(patch, dir, tt.strip); err == nil {
				t.Fatalf("ApplyPatch() error = nil")
			}
			got, _ := os.ReadFile(filepath.Join(dir, "hello.txt"))
			if string(got) != helloText {
				t.Errorf("hello.txt changed to %q", got)
			}
		})
	}
}
