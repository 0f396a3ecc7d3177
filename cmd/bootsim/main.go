// Copyright 2020 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// bootsim simulates repeated bootloader-side boot transitions against
// a real update environment device, without needing actual hardware or
// a kernel handoff. It is meant for exercising spec.md §8's scenarios
// against a real rupdate.conf-configured device image.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/northerntech/rupdate/bootside"
	"github.com/northerntech/rupdate/config"
	"github.com/northerntech/rupdate/envfs"
	"github.com/northerntech/rupdate/rerr"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to rupdate.conf")
	boots := flag.Int("boots", 1, "number of boot transitions to simulate")
	flag.Parse()

	if err := run(*configPath, *boots); err != nil {
		fmt.Fprintln(os.Stderr, "bootsim:", err)
		os.Exit(rerr.KindOf(err).ExitCode())
	}
}

func run(configPath string, boots int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	algo, err := cfg.HashAlgorithm()
	if err != nil {
		return err
	}

	dev, err := os.OpenFile(cfg.UpdateEnvDevice, os.O_RDWR, 0)
	if err != nil {
		return rerr.Wrapf(rerr.KindGeneric, err, "opening update environment device %s", cfg.UpdateEnvDevice)
	}
	defer dev.Close()

	store := envfs.NewStore(dev, cfg.UpdateEnvSlot0Offset, cfg.UpdateEnvSlot1Offset, cfg.UpdateEnvSlotSize, algo)

	for i := 0; i < boots; i++ {
		decision, err := bootside.Boot(store)
		if err != nil {
			return err
		}
		fmt.Printf("boot %d: %s\n", i+1, decision.Describe())
	}
	return nil
}
