package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flynn-ai/genii/internal/errors"
)

func newVault(t *testing.T, files map[string]string) *Vault {
	t.Helper()
	v, err := Open(t.TempDir())
	require.NoError(t, err)
	for p, c := range files {
		require.NoError(t, v.Write(p, c))
	}
	return v
}

func TestVault_ReadWriteAppend(t *testing.T) {
	v := newVault(t, nil)

	require.NoError(t, v.Write("notes/a.md", "hello"))
	require.NoError(t, v.Append("notes/a.md", " world"))

	got, err := v.Read("notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
	assert.True(t, v.Exists("notes/a.md"))
	assert.False(t, v.Exists("notes/b.md"))
}

func TestVault_ReadMissing(t *testing.T) {
	v := newVault(t, nil)
	_, err := v.Read("nope.md")
	require.Error(t, err)

	var appErr *errors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, errors.CodeFileNotFound, appErr.Code)
}

func TestVault_RejectsEscape(t *testing.T) {
	v := newVault(t, nil)
	_, err := v.Abs("../outside.md")
	assert.Error(t, err)
	assert.Error(t, v.Write("../../etc/x.md", "x"))
}

func TestVault_MarkdownFilesSkipsHidden(t *testing.T) {
	v := newVault(t, map[string]string{
		"b.md":          "",
		"a/c.md":        "",
		".trash/old.md": "",
		"img.png":       "",
	})
	files, err := v.MarkdownFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a/c.md", "b.md"}, files)
}

func TestVault_Resolve(t *testing.T) {
	v := newVault(t, map[string]string{
		"Projects/Alpha.md": "",
		"Beta.md":           "",
	})

	p, ok := v.Resolve("Alpha")
	assert.True(t, ok)
	assert.Equal(t, "Projects/Alpha.md", p)

	p, ok = v.Resolve("Beta|the beta note")
	assert.True(t, ok)
	assert.Equal(t, "Beta.md", p)

	p, ok = v.Resolve("alpha#Intro")
	assert.True(t, ok)
	assert.Equal(t, "Projects/Alpha.md", p)

	_, ok = v.Resolve("Gamma")
	assert.False(t, ok)
}

const sampleNote = `---
title: Sample
tags: [x]
---
# Top

intro ==important== text

## Ideas*
idea one [[Beta]]

` + "```" + `
# not a heading
` + "```" + `

### Sub
deeper

## Other
![[diagram.png]] and [[Alpha|alpha note]]
`

func TestParseMetadata(t *testing.T) {
	meta := ParseMetadata("dir/Sample.md", sampleNote)

	assert.Equal(t, "Sample", meta.Title)
	assert.Equal(t, "Sample", meta.Frontmatter["title"])

	var texts []string
	for _, h := range meta.Headings {
		texts = append(texts, h.Text)
	}
	assert.Equal(t, []string{"Top", "Ideas*", "Sub", "Other"}, texts)
	assert.Equal(t, 3, meta.Headings[2].Level)

	require.Len(t, meta.Links, 2)
	assert.Equal(t, "Beta", meta.Links[0].Target)
	assert.Equal(t, "Alpha", meta.Links[1].Target)
	assert.Equal(t, "alpha note", meta.Links[1].Display)
	require.Len(t, meta.Embeds, 1)
	assert.Equal(t, "diagram.png", meta.Embeds[0].Target)
}

func TestHeadingBlocks(t *testing.T) {
	meta := ParseMetadata("Sample.md", sampleNote)

	block := HeadingBlock(sampleNote, meta.Headings, 1)
	assert.Contains(t, block, "## Ideas*")
	assert.Contains(t, block, "### Sub")
	assert.NotContains(t, block, "## Other")

	contents := HeadingContents(sampleNote, meta.Headings)
	assert.Equal(t, "deeper", contents["Sub"])

	starred := StarredBlocks(sampleNote, meta.Headings)
	assert.Contains(t, starred, "idea one")
	assert.NotContains(t, starred, "intro")

	assert.Equal(t, []string{"important"}, Highlights(sampleNote))
}

func TestVault_MetadataCacheInvalidatedOnWrite(t *testing.T) {
	v := newVault(t, map[string]string{"n.md": "# One\n"})
	m, err := v.Metadata("n.md")
	require.NoError(t, err)
	assert.Equal(t, "One", m.Headings[0].Text)

	require.NoError(t, v.Write("n.md", "# Two\n"))
	m, err = v.Metadata("n.md")
	require.NoError(t, err)
	assert.Equal(t, "Two", m.Headings[0].Text)
}

func TestVault_Mentions(t *testing.T) {
	v := newVault(t, map[string]string{
		"Alpha.md": "alpha itself",
		"one.md":   "see [[Alpha]] for details\nunrelated",
		"two.md":   "we talked about alpha today",
		"three.md": "nothing here",
	})

	linked, unlinked, err := v.Mentions("Alpha")
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "one.md", linked[0].Path)
	assert.Equal(t, []string{"see [[Alpha]] for details"}, linked[0].Results)
	require.Len(t, unlinked, 1)
	assert.Equal(t, "two.md", unlinked[0].Path)
}
