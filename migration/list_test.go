package migration

import (
	"embed"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:embed testdata/migrations/*.sql
var testMigrations embed.FS

func TestGetVersionFromName(t *testing.T) {
	f := &File{Name: "001_demo_one.sql"}
	v, err := f.GetVersionFromName()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	f = &File{Name: "010_demo_ten.sql"}
	v, err = f.GetVersionFromName()
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	f = &File{Name: "no_version.sql"}
	_, err = f.GetVersionFromName()
	assert.Error(t, err)

	f = &File{Name: "000_zero.sql"}
	_, err = f.GetVersionFromName()
	assert.Error(t, err)
}

func TestGetFilesAfter(t *testing.T) {
	l := NewList("demo", "testdata/migrations", testMigrations)
	assert.Equal(t, "demo", l.Code())

	fList, err := l.getFilesAfter(0)
	require.NoError(t, err)
	require.Len(t, fList, 3)
	assert.Equal(t, 1, fList[0].Version)
	assert.Equal(t, 2, fList[1].Version)
	assert.Equal(t, 10, fList[2].Version)
	assert.NotEmpty(t, fList[0].SQL)

	fList, err = l.getFilesAfter(2)
	require.NoError(t, err)
	require.Len(t, fList, 1)
	assert.Equal(t, 10, fList[0].Version)

	fList, err = l.getFilesAfter(10)
	require.NoError(t, err)
	assert.Empty(t, fList)
}
