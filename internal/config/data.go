package config

import "path/filepath"

// DataConfig locates the dataset splits. A split is a "label text" file or an
// encoded X_<split>.npy with its y_<split>.npy sibling.
type DataConfig struct {
	Dir       string `yaml:"dir"`
	TrainFile string `yaml:"train_file"`
	TestFile  string `yaml:"test_file"`
	ValidFile string `yaml:"valid_file"`
}

// Path resolves a split file against Dir. Absolute names are returned as is.
func (d DataConfig) Path(file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(d.Dir, file)
}

// OutputConfig configures what the attack writes.
type OutputConfig struct {
	Dir     string `yaml:"dir"`
	Outfile string `yaml:"outfile"`
	// MetricsFile, when set, receives the attack counters in Prometheus text format.
	MetricsFile string `yaml:"metrics_file"`
	// Report renders a markdown summary to the terminal after the attack.
	Report bool `yaml:"report"`
}

// Prefix is the path prefix of the per-class sample files.
func (o OutputConfig) Prefix() string {
	return filepath.Join(o.Dir, o.Outfile)
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}
