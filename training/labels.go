package training

import (
	"fmt"
)

// cifar10Classes maps CIFAR-10 label indices to their class names
var cifar10Classes = []string{
	"airplane",
	"automobile",
	"bird",
	"cat",
	"deer",
	"dog",
	"frog",
	"horse",
	"ship",
	"truck",
}

// ClassName returns the CIFAR-10 class name for a label index.
func ClassName(label int) (string, error) {
	if label < 0 || label >= len(cifar10Classes) {
		return "", fmt.Errorf("label %d out of range [0, %d)", label, len(cifar10Classes))
	}
	return cifar10Classes[label], nil
}

// ClassNames returns a copy of the CIFAR-10 class name table in label order.
func ClassNames() []string {
	names := make([]string, len(cifar10Classes))
	copy(names, cifar10Classes)
	return names
}
