package migration

import (
	"embed"
	"sort"
	"strconv"
	"strings"

	"github.com/Leafline/compliance-sync/e"
)

const (
	ECode020301 = e.Code0203 + "01"
	ECode020302 = e.Code0203 + "02"
	ECode020303 = e.Code0203 + "03"
	ECode020304 = e.Code0203 + "04"
)

// File a single migration file
type File struct {
	Name    string
	Version int
	SQL     []byte
}

// List a package's embedded set of migration files
type List struct {
	code       string
	path       string
	migrations embed.FS
	files      []*File
}

// NewList initialize a new list
func NewList(code, path string, migrations embed.FS) (l *List) {
	return &List{
		code:       code,
		path:       path,
		migrations: migrations,
	}
}

// Code returns the migration code of this list
func (l *List) Code() string {
	return l.code
}

// GetVersionFromName parse the name for the version. The name is expected to
// have the version first as a 0 padded number and then an underscore. The
// rest of the name can be anything.
func (f *File) GetVersionFromName() (v int, err error) {
	sList := strings.Split(f.Name, "_")
	if len(sList) == 0 {
		return 0, e.N(ECode020301, e.MsgMigrationFileNameInvalid)
	}

	v, err = strconv.Atoi(sList[0])
	if err != nil {
		return 0, e.WM(err, ECode020302, e.MsgMigrationFileNameInvalid, f.Name)
	}

	if v <= 0 {
		return 0, e.N(ECode020303, e.MsgMigrationFileNameInvalid)
	}

	return v, nil
}

// getFilesAfter gets all migration files with a version greater than the
// specified version from the list's embedded file system, sorted ascending
// by version
func (l *List) getFilesAfter(v int) (fList []*File, err error) {
	dirList, err := l.migrations.ReadDir(l.path)
	if err != nil {
		return nil, e.W(err, ECode020304)
	}
	fList = make([]*File, 0, len(dirList))

	for _, file := range dirList {
		if file.IsDir() {
			continue
		}

		f := &File{
			Name: file.Name(),
		}

		f.Version, err = f.GetVersionFromName()
		if err != nil {
			return nil, e.W(err, ECode020304)
		}

		if f.Version <= v {
			continue
		}

		f.SQL, err = l.migrations.ReadFile(strings.Join([]string{
			l.path,
			file.Name(),
		}, "/"))
		if err != nil {
			return nil, e.W(err, ECode020304)
		}

		fList = append(fList, f)
	}

	sort.Slice(fList, func(i, j int) bool {
		return fList[i].Version < fList[j].Version
	})

	return fList, nil
}
