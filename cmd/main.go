package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/noiseguard/noiseguard/cmd/config"
	"github.com/noiseguard/noiseguard/internal/backend"
	"github.com/noiseguard/noiseguard/internal/control"
	"github.com/noiseguard/noiseguard/internal/engine"
	"github.com/noiseguard/noiseguard/internal/tap"
	"github.com/spf13/viper"
)

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	listDevices := flag.Bool("list-devices", false, "List audio devices as JSON and exit.")
	inputIndex := flag.Int("input", -1, "Input device index. Defaults to the system default device.")
	outputIndex := flag.Int("output", -1, "Output device index. Defaults to the system default device.")
	level := flag.Float64("level", -1, "Initial suppression level in [0, 1]. Overrides the config file.")
	recordFile := flag.String("record", "", "Record processed audio to this WAV file. Overrides the config file.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer := config.ConfigureLogger()
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	audioBackend, err := backend.NewMalgoBackend(slog.Default())
	if err != nil {
		slog.Error("error while initializing audio backend", "err", err)
		panic(err)
	}
	defer audioBackend.Close()

	if *listDevices {
		printDevices(audioBackend)
		return
	}

	// --------------------------------------------------------------------------------

	var recorder *tap.Recorder
	recordPath := viper.GetString("recordfile")
	if *recordFile != "" {
		recordPath = *recordFile
	}
	if recordPath != "" {
		recorder, err = tap.NewRecorder(recordPath, slog.Default())
		if err != nil {
			slog.Error("error while opening record file", "recordPath", recordPath, "err", err)
			panic(err)
		}
		defer recorder.Close()
	}

	audioEngine := engine.New(audioBackend, engine.Config{
		RingCapacity:          viper.GetInt("ringcapacity"),
		PeriodFrames:          viper.GetInt("periodframes"),
		ReconnectInitialDelay: viper.GetDuration("reconnectinitialdelay"),
		ReconnectMaxDelay:     viper.GetDuration("reconnectmaxdelay"),
		Recorder:              recorder,
	}, slog.Default())

	suppressionLevel := viper.GetFloat64("suppressionlevel")
	if *level >= 0 {
		suppressionLevel = *level
	}
	audioEngine.SetLevel(float32(suppressionLevel))

	controller := control.New(audioBackend, audioEngine, slog.Default())

	// --------------------------------------------------------------------------------

	in, out, err := resolveDeviceIndices(audioBackend, *inputIndex, *outputIndex)
	if err != nil {
		slog.Error("error while resolving device indices", "err", err)
		panic(err)
	}

	if res := controller.Start(in, out); !res.Success {
		slog.Error("error while starting pipeline", "err", res.Error)
		panic(res.Error)
	}
	defer controller.Stop()

	fmt.Println("noiseguard running. Commands: level <x>, status, stop, start, quit")

	// --------------------------------------------------------------------------------

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	commandChan := make(chan string)
	go readCommands(commandChan)

	for {
		select {
		case sig := <-signalChan:
			slog.Info("received signal, shutting down", "signal", sig.String())
			return
		case line, ok := <-commandChan:
			if !ok {
				return
			}
			if quit := runCommand(controller, in, out, line); quit {
				return
			}
		}
	}
}

// readCommands forwards stdin lines until EOF, then closes the channel.
func readCommands(commandChan chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		commandChan <- scanner.Text()
	}
	close(commandChan)
}

func runCommand(controller *control.Controller, inputIndex, outputIndex int, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "level":
		if len(fields) != 2 {
			fmt.Println("usage: level <0..1>")
			return false
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			fmt.Println("usage: level <0..1>")
			return false
		}
		printJSON(controller.SetLevel(value))
	case "status":
		printJSON(controller.GetStatus())
	case "stop":
		printJSON(controller.Stop())
	case "start":
		printJSON(controller.Start(inputIndex, outputIndex))
	case "quit", "exit":
		return true
	default:
		fmt.Println("unknown command. Commands: level <x>, status, stop, start, quit")
	}
	return false
}

func printDevices(audioBackend backend.Backend) {
	controller := control.New(audioBackend, nil, slog.Default())
	printJSON(controller.GetDevices())
}

func printJSON(v any) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("error while marshalling result", "err", err)
		return
	}
	fmt.Println(string(raw))
}

// resolveDeviceIndices maps a -1 index to the backend's default device.
func resolveDeviceIndices(audioBackend backend.Backend, inputIndex, outputIndex int) (int, int, error) {
	if inputIndex < 0 {
		index, err := defaultDeviceIndex(audioBackend.InputDevices)
		if err != nil {
			return 0, 0, fmt.Errorf("no input device available: %w", err)
		}
		inputIndex = index
	}
	if outputIndex < 0 {
		index, err := defaultDeviceIndex(audioBackend.OutputDevices)
		if err != nil {
			return 0, 0, fmt.Errorf("no output device available: %w", err)
		}
		outputIndex = index
	}
	return inputIndex, outputIndex, nil
}

func defaultDeviceIndex(list func() ([]backend.DeviceInfo, error)) (int, error) {
	devices, err := list()
	if err != nil {
		return 0, err
	}
	if len(devices) == 0 {
		return 0, backend.ErrNoDeviceWithIndex
	}
	for _, device := range devices {
		if device.IsDefault {
			return device.Index, nil
		}
	}
	return devices[0].Index, nil
}
