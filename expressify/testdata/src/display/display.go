package display

import (
	"fmt"
	"strings"
)

func pair() (int, string) { return 1, "one" }

func log(string) {}

//expressify:display
func Greeting(name string) {
	strings.ToUpper(name) // want `displays strings.ToUpper\(name\)`
	log(name)
	msg := "hello " + name
	fmt.Sprint(msg) // want `displays fmt.Sprint\(msg\)`
	pair()          // want `displays 2 values of pair\(\)`
	if name != "" {
		strings.Repeat(name, 2) // want `displays strings.Repeat\(name, 2\)`
	} else {
		fmt.Sprintf("%q", name) // want `displays fmt.Sprintf\("%q", name\)`
	}
	for i := 0; i < 2; i++ {
		fmt.Sprint(i) // want `displays fmt.Sprint\(i\)`
	}
	func() {
		fmt.Sprint("nested")
	}()
}

func Undecorated() {
	fmt.Sprint("never")
}

func Channels(ch chan int) {
	//expressify:display
	show := func() {
		<-ch // want `displays <-ch`
		select {
		case <-ch:
			fmt.Sprint("received") // want `displays fmt.Sprint\("received"\)`
		default:
		}
	}
	show()
}
