package main

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bind ties a flag to a config key so that an explicitly set flag wins over
// the file and environment.
func bind(f *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, f); err != nil {
		panic(err)
	}
}
